package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/iamcore/internal/hrn"
	"github.com/org/iamcore/internal/identity"
	"github.com/org/iamcore/internal/policy"
	"github.com/org/iamcore/internal/storage"
	"github.com/org/iamcore/pkg/models"
)

// OrganizationCreateHandler handles POST /v1/organizations.
// Alongside the organization it creates an "admin" policy granting
// every action on the organization's resources, ready to attach to the
// first user.
func (s *Server) OrganizationCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || strings.ContainsAny(req.ID, ":/ ") {
		writeError(w, http.StatusBadRequest, "organization id is required and must not contain ':', '/' or spaces")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = req.ID
	}

	org := &models.Organization{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateOrganization(r.Context(), org); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "organization already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	adminPolicy, err := s.createAdminPolicy(r, org.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"organization": org,
		"admin_policy": adminPolicy,
	})
}

// createAdminPolicy provisions the organization-wide admin policy.
func (s *Server) createAdminPolicy(r *http.Request, orgID string) (*models.Policy, error) {
	policyHrn := hrn.New(orgID, "", "policy", "admin")
	wildcard := hrn.New(orgID, "", "*", "")
	statements := []models.Statement{{
		Resource: wildcard.String(),
		Action:   wildcard.String(),
		Effect:   models.EffectAllow,
	}}
	pol := &models.Policy{
		Hrn:            policyHrn.String(),
		OrganizationID: orgID,
		Name:           "admin",
		Version:        1,
		Statements:     statements,
		Document:       policy.RenderDocument(policyHrn.String(), statements),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreatePolicy(r.Context(), pol); err != nil {
		return nil, err
	}
	return pol, nil
}

// OrganizationGetHandler handles GET /v1/organizations/{org}.
func (s *Server) OrganizationGetHandler(w http.ResponseWriter, r *http.Request) {
	org, err := s.store.GetOrganization(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "organization not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// UserCreateHandler handles POST /v1/organizations/{org}/users.
func (s *Server) UserCreateHandler(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Username == "" || strings.ContainsAny(req.Username, ":/ ") {
		writeError(w, http.StatusBadRequest, "username is required and must not contain ':', '/' or spaces")
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "valid email is required")
		return
	}

	if _, err := s.store.GetOrganization(r.Context(), org); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "organization not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	user := &models.User{
		Hrn:            hrn.New(org, "", "user", req.Username).String(),
		OrganizationID: org,
		Username:       req.Username,
		Email:          req.Email,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.identity.CreateUser(r.Context(), user, req.Password); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// UserGetHandler handles GET /v1/organizations/{org}/users/{username}.
func (s *Server) UserGetHandler(w http.ResponseWriter, r *http.Request) {
	userHrn := hrn.New(chi.URLParam(r, "org"), "", "user", chi.URLParam(r, "username"))
	user, err := s.identity.GetUser(r.Context(), userHrn.String())
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UserDeleteHandler handles DELETE /v1/organizations/{org}/users/{username}.
// Attachments are removed explicitly alongside the user.
func (s *Server) UserDeleteHandler(w http.ResponseWriter, r *http.Request) {
	userHrn := hrn.New(chi.URLParam(r, "org"), "", "user", chi.URLParam(r, "username")).String()
	if err := s.identity.DeleteUser(r.Context(), userHrn); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.DeleteAttachmentsByPrincipal(r.Context(), userHrn); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
