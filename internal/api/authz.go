package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/iamcore/internal/hrn"
	"github.com/org/iamcore/internal/policy"
	"github.com/org/iamcore/pkg/models"
	"github.com/rs/zerolog/log"
)

// guardMode selects how a route's declared actions combine.
type guardMode int

const (
	guardAll guardMode = iota
	guardAny
	guardNone
)

// resourceRef declares how a guard resolves the target resource from
// the route. Type is the resource type; InstanceParam names the chi URL
// parameter carrying the resource instance, empty for type-level
// resources. The organization comes from the "org" URL parameter unless
// Org pins it; with neither, the principal's own organization is used.
type resourceRef struct {
	Type          string
	InstanceParam string
	Org           string
}

// AuthorizationError carries every unmet action of a denied request.
type AuthorizationError struct {
	Reasons []string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied: %d unmet permissions", len(e.Reasons))
}

// requireAll allows the route only when every action is permitted.
func (s *Server) requireAll(res resourceRef, actions ...string) func(http.Handler) http.Handler {
	return s.guard(guardAll, res, actions)
}

// requireAny allows the route when at least one action is permitted.
func (s *Server) requireAny(res resourceRef, actions ...string) func(http.Handler) http.Handler {
	return s.guard(guardAny, res, actions)
}

// requireNone allows the route only when no action is permitted.
func (s *Server) requireNone(res resourceRef, actions ...string) func(http.Handler) http.Handler {
	return s.guard(guardNone, res, actions)
}

// guard builds the authorization middleware: resolve the resource from
// the route, build one request per declared action, evaluate against
// the caller's entitlements, and reject before the handler runs unless
// the mode is satisfied.
func (s *Server) guard(mode guardMode, res resourceRef, actions []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := principalFromCtx(r.Context())
			if principal == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			org := res.Org
			if org == "" {
				org = chi.URLParam(r, "org")
			}
			if org == "" {
				org = principal.OrganizationID
			}
			instance := ""
			if res.InstanceParam != "" {
				instance = chi.URLParam(r, res.InstanceParam)
			}
			resource := hrn.New(org, "", res.Type, instance)

			requests := make([]policy.Request, len(actions))
			for i, action := range actions {
				requests[i] = policy.Request{
					Principal: principal.Hrn,
					Resource:  resource.String(),
					Action:    hrn.New(org, "", "action", action).String(),
				}
			}

			authzErr, err := evaluate(mode, principal.Entitlements, requests, actions, resource.String())
			if err != nil {
				log.Error().Err(err).Str("principal", principal.Hrn).Msg("entitlement evaluation failed")
				writeError(w, http.StatusInternalServerError, "authorization evaluation failed")
				return
			}
			if authzErr != nil {
				log.Info().
					Str("principal", principal.Hrn).
					Str("resource", resource.String()).
					Strs("reasons", authzErr.Reasons).
					Msg("request denied")
				writeErrors(w, http.StatusForbidden, authzErr.Reasons)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// evaluate runs the declared actions through the validator and returns
// an AuthorizationError when the mode is unsatisfied.
func evaluate(mode guardMode, entitlements string, requests []policy.Request, actions []string, resource string) (*AuthorizationError, error) {
	validator, err := policy.NewValidator(entitlements)
	if err != nil {
		return nil, err
	}
	results, err := validator.BatchValidate(requests)
	if err != nil {
		return nil, err
	}

	var reasons []string
	switch mode {
	case guardAll:
		for i, allowed := range results {
			if !allowed {
				reasons = append(reasons, deniedReason(actions[i], resource))
			}
		}
	case guardAny:
		anyAllowed := false
		for _, allowed := range results {
			if allowed {
				anyAllowed = true
				break
			}
		}
		if !anyAllowed {
			for _, action := range actions {
				reasons = append(reasons, deniedReason(action, resource))
			}
		}
	case guardNone:
		for i, allowed := range results {
			if allowed {
				reasons = append(reasons, fmt.Sprintf("action %s must not be permitted on %s", actions[i], resource))
			}
		}
	}
	if len(reasons) > 0 {
		return &AuthorizationError{Reasons: reasons}, nil
	}
	return nil, nil
}

func deniedReason(action, resource string) string {
	return fmt.Sprintf("not authorized for %s on %s", action, resource)
}

// authenticateCredentials verifies email/password against the identity
// provider and aggregates the user's entitlements fresh.
func (s *Server) authenticateCredentials(ctx context.Context, org, email, password string) (*models.Principal, error) {
	user, err := s.identity.Authenticate(ctx, org, email, password)
	if err != nil {
		return nil, err
	}
	builder, err := s.aggregator.FetchEntitlements(ctx, user.Hrn)
	if err != nil {
		return nil, err
	}
	return &models.Principal{
		Hrn:            user.Hrn,
		OrganizationID: user.OrganizationID,
		UserID:         user.Username,
		Entitlements:   builder.Build(),
	}, nil
}
