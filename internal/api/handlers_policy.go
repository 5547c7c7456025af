package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/iamcore/internal/entitlement"
	"github.com/org/iamcore/internal/hrn"
	"github.com/org/iamcore/internal/policy"
	"github.com/org/iamcore/internal/storage"
	"github.com/org/iamcore/pkg/models"
)

// validateStatements rejects empty or malformed statement lists before
// any persistence mutation.
func validateStatements(statements []models.Statement) string {
	if len(statements) == 0 {
		return "policy must contain at least one statement"
	}
	for _, st := range statements {
		if strings.TrimSpace(st.Resource) == "" || strings.TrimSpace(st.Action) == "" {
			return "statement resource and action are required"
		}
		if !models.ValidEffect(st.Effect) {
			return "statement effect must be allow or deny"
		}
	}
	return ""
}

// PolicyCreateHandler handles POST /v1/organizations/{org}/policies.
func (s *Server) PolicyCreateHandler(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	var req struct {
		Name       string             `json:"name"`
		Statements []models.Statement `json:"statements"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || strings.ContainsAny(req.Name, ":, ") {
		writeError(w, http.StatusBadRequest, "policy name is required and must not contain ':', ',' or spaces")
		return
	}
	if msg := validateStatements(req.Statements); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	policyHrn := hrn.New(org, "", "policy", req.Name).String()
	document := policy.RenderDocument(policyHrn, req.Statements)
	if _, err := policy.NewValidator(document); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pol := &models.Policy{
		Hrn:            policyHrn,
		OrganizationID: org,
		Name:           req.Name,
		Version:        1,
		Statements:     req.Statements,
		Document:       document,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreatePolicy(r.Context(), pol); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "policy already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pol)
}

// PolicyGetHandler handles GET /v1/organizations/{org}/policies/{name}.
func (s *Server) PolicyGetHandler(w http.ResponseWriter, r *http.Request) {
	policyHrn := hrn.New(chi.URLParam(r, "org"), "", "policy", chi.URLParam(r, "name")).String()
	pol, err := s.store.GetPolicy(r.Context(), policyHrn)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// PolicyUpdateHandler handles PUT /v1/organizations/{org}/policies/{name}.
// Statements are fully replaced, never merged; the version increments.
func (s *Server) PolicyUpdateHandler(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	name := chi.URLParam(r, "name")
	var req struct {
		Statements []models.Statement `json:"statements"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateStatements(req.Statements); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	policyHrn := hrn.New(org, "", "policy", name).String()
	document := policy.RenderDocument(policyHrn, req.Statements)
	if _, err := policy.NewValidator(document); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pol, err := s.store.UpdatePolicy(r.Context(), policyHrn, req.Statements, document)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// PolicyDeleteHandler handles DELETE /v1/organizations/{org}/policies/{name}.
// Attachments referencing the policy are removed in the same call.
func (s *Server) PolicyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	policyHrn := hrn.New(chi.URLParam(r, "org"), "", "policy", chi.URLParam(r, "name")).String()
	if err := s.store.DeleteAttachmentsByPolicy(r.Context(), policyHrn); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.DeletePolicy(r.Context(), policyHrn); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PolicyListHandler handles GET /v1/organizations/{org}/policies.
func (s *Server) PolicyListHandler(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListPolicies(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// AttachPoliciesHandler handles POST /v1/organizations/{org}/users/{username}/attach_policies.
func (s *Server) AttachPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	s.changeAttachments(w, r, s.aggregator.AttachPolicies)
}

// DetachPoliciesHandler handles POST /v1/organizations/{org}/users/{username}/detach_policies.
func (s *Server) DetachPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	s.changeAttachments(w, r, s.aggregator.DetachPolicies)
}

func (s *Server) changeAttachments(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, principalHrn string, policyHrns []string) error) {
	userHrn := hrn.New(chi.URLParam(r, "org"), "", "user", chi.URLParam(r, "username")).String()
	var req struct {
		Policies []string `json:"policies"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := s.identity.GetUser(r.Context(), userHrn); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if err := apply(r.Context(), userHrn, req.Policies); err != nil {
		var invalidRef *entitlement.InvalidReferenceError
		switch {
		case errors.Is(err, entitlement.ErrEmptyPolicyList):
			writeError(w, http.StatusBadRequest, "policy list must not be empty")
		case errors.As(err, &invalidRef):
			writeError(w, http.StatusBadRequest, invalidRef.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserPoliciesHandler handles GET /v1/organizations/{org}/users/{username}/policies.
func (s *Server) UserPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	userHrn := hrn.New(chi.URLParam(r, "org"), "", "user", chi.URLParam(r, "username")).String()
	policies, err := s.aggregator.AttachedPolicies(r.Context(), userHrn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}
