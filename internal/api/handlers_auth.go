package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/iamcore/internal/hrn"
	"github.com/org/iamcore/internal/policy"
	"github.com/org/iamcore/internal/storage"
	"github.com/rs/zerolog/log"
)

// TokenIssueHandler handles POST /v1/organizations/{org}/token. The
// authenticated caller receives a token for itself; the root credential
// may instead name any user in the body to mint on its behalf.
func (s *Server) TokenIssueHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	org := chi.URLParam(r, "org")

	subjectHrn := principal.Hrn
	if principal.Hrn == rootPrincipal {
		var req struct {
			UserHrn string `json:"user_hrn"`
		}
		if err := decodeJSON(r, &req); err != nil || req.UserHrn == "" {
			writeError(w, http.StatusBadRequest, "root token issuance requires user_hrn")
			return
		}
		subjectHrn = req.UserHrn
	}

	parsed, err := hrn.Parse(subjectHrn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user hrn")
		return
	}
	if parsed.Organization() != org {
		writeError(w, http.StatusForbidden, "user does not belong to this organization")
		return
	}
	if _, err := s.store.GetUser(r.Context(), subjectHrn); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	signed, err := s.tokens.Generate(r.Context(), subjectHrn)
	if err != nil {
		log.Error().Err(err).Str("user", subjectHrn).Msg("token issuance failed")
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	tokensIssued.Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"token_type": "Bearer",
		"expires_in": int(s.tokens.Validity().Seconds()),
	})
}

// ValidateHandler handles POST /v1/validate. It evaluates a batch of
// resource/action pairs against the caller's own entitlements and
// reports per-request results, plus a combined verdict for the
// requested mode.
func (s *Server) ValidateHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())

	var req struct {
		Mode     string `json:"mode"`
		Requests []struct {
			Resource string `json:"resource"`
			Action   string `json:"action"`
		} `json:"requests"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "at least one request is required")
		return
	}
	if req.Mode == "" {
		req.Mode = "all"
	}

	validator, err := policy.NewValidator(principal.Entitlements)
	if err != nil {
		log.Error().Err(err).Str("principal", principal.Hrn).Msg("entitlement parse failed")
		writeError(w, http.StatusInternalServerError, "entitlement evaluation failed")
		return
	}

	requests := make([]policy.Request, len(req.Requests))
	for i, item := range req.Requests {
		requests[i] = policy.Request{
			Principal: principal.Hrn,
			Resource:  item.Resource,
			Action:    item.Action,
		}
	}
	results, err := validator.BatchValidate(requests)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "entitlement evaluation failed")
		return
	}

	allowed := false
	switch req.Mode {
	case "all":
		allowed = true
		for _, ok := range results {
			allowed = allowed && ok
		}
	case "any":
		for _, ok := range results {
			if ok {
				allowed = true
				break
			}
		}
	case "none":
		allowed = true
		for _, ok := range results {
			if ok {
				allowed = false
				break
			}
		}
	default:
		writeError(w, http.StatusBadRequest, "mode must be all, any or none")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": allowed,
		"mode":    req.Mode,
		"results": results,
	})
}
