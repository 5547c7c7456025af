package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/iamcore/internal/audit"
	"github.com/org/iamcore/internal/crypto"
	"github.com/org/iamcore/internal/entitlement"
	"github.com/org/iamcore/internal/identity"
	"github.com/org/iamcore/internal/keys"
	"github.com/org/iamcore/internal/storage"
	"github.com/org/iamcore/internal/token"
	"github.com/org/iamcore/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	Issuer        string
	TokenValidity time.Duration
	RootKey       string
	// MasterKey, when set, encrypts private signing key material at
	// rest.
	MasterKey []byte
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	store      storage.Store
	identity   identity.Provider
	aggregator *entitlement.Aggregator
	keys       *keys.Manager
	tokens     *token.Service
	auditor    AuditLogger
	rootKey    string
	cfg        Config
	httpSrv    *http.Server
}

// NewServer creates a fully wired Server. A malformed master key is
// fatal: silently running with unsealed keys would defeat the point.
func NewServer(store storage.Store, cfg Config) *Server {
	aggregator := entitlement.NewAggregator(store)
	keyManager := keys.NewManager(store, cfg.TokenValidity)
	if len(cfg.MasterKey) > 0 {
		sealer, err := crypto.NewSealer(cfg.MasterKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid master key")
		}
		keyManager = keyManager.WithSealer(sealer)
	}
	tokenSvc := token.NewService(keyManager, aggregator, cfg.Issuer, cfg.TokenValidity)

	return &Server{
		store:      store,
		identity:   identity.NewLocalProvider(store),
		aggregator: aggregator,
		keys:       keyManager,
		tokens:     tokenSvc,
		auditor:    audit.NewLogger(store),
		rootKey:    cfg.RootKey,
		cfg:        cfg,
	}
}

// KeyManager exposes the key manager (for startup bootstrap).
func (s *Server) KeyManager() *keys.Manager {
	return s.keys
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(auditMiddleware(s.auditor))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Get("/v1/health", s.HealthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Token issuance and self-inspection
		r.Post("/v1/organizations/{org}/token", s.TokenIssueHandler)
		r.Post("/v1/validate", s.ValidateHandler)

		// Organizations
		r.With(s.requireAll(resourceRef{Type: "organization"}, "createOrganization")).
			Post("/v1/organizations", s.OrganizationCreateHandler)
		r.With(s.requireAll(resourceRef{Type: "organization"}, "getOrganization")).
			Get("/v1/organizations/{org}", s.OrganizationGetHandler)

		// Users
		r.Route("/v1/organizations/{org}/users", func(r chi.Router) {
			r.With(s.requireAll(resourceRef{Type: "user"}, "createUser")).
				Post("/", s.UserCreateHandler)
			r.With(s.requireAll(resourceRef{Type: "user", InstanceParam: "username"}, "getUser")).
				Get("/{username}", s.UserGetHandler)
			r.With(s.requireAll(resourceRef{Type: "user", InstanceParam: "username"}, "deleteUser")).
				Delete("/{username}", s.UserDeleteHandler)

			r.With(s.requireAll(resourceRef{Type: "user", InstanceParam: "username"}, "attachPolicies")).
				Post("/{username}/attach_policies", s.AttachPoliciesHandler)
			r.With(s.requireAll(resourceRef{Type: "user", InstanceParam: "username"}, "detachPolicies")).
				Post("/{username}/detach_policies", s.DetachPoliciesHandler)
			r.With(s.requireAll(resourceRef{Type: "user", InstanceParam: "username"}, "getUserPolicies")).
				Get("/{username}/policies", s.UserPoliciesHandler)
		})

		// Policies
		r.Route("/v1/organizations/{org}/policies", func(r chi.Router) {
			r.With(s.requireAll(resourceRef{Type: "policy"}, "createPolicy")).
				Post("/", s.PolicyCreateHandler)
			r.With(s.requireAll(resourceRef{Type: "policy"}, "listPolicies")).
				Get("/", s.PolicyListHandler)
			r.With(s.requireAll(resourceRef{Type: "policy", InstanceParam: "name"}, "getPolicy")).
				Get("/{name}", s.PolicyGetHandler)
			r.With(s.requireAll(resourceRef{Type: "policy", InstanceParam: "name"}, "updatePolicy")).
				Put("/{name}", s.PolicyUpdateHandler)
			r.With(s.requireAll(resourceRef{Type: "policy", InstanceParam: "name"}, "deletePolicy")).
				Delete("/{name}", s.PolicyDeleteHandler)
		})

		// Signing keys (operator surface)
		r.With(s.requireAll(resourceRef{Type: "keys", Org: "system"}, "rotateKey")).
			Post("/v1/keys/rotate", s.KeyRotateHandler)
		r.With(s.requireAll(resourceRef{Type: "keys", Org: "system"}, "listKeys")).
			Get("/v1/keys", s.KeyListHandler)

		// Audit log
		r.With(s.requireAll(resourceRef{Type: "audit", Org: "system"}, "queryAuditLog")).
			Get("/v1/audit", s.AuditLogHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
