package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/iamcore/internal/ids"
	"github.com/org/iamcore/pkg/models"
	"github.com/rs/zerolog/log"
)

// rootEntitlements grants the root service credential every action on
// every resource.
const (
	rootPrincipal   = "root"
	rootEntitlement = "p, root, *, *, allow"
)

// requestIDMiddleware attaches a sortable request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ids.New()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware resolves a principal from the request credential and
// attaches it to the context. Three credential forms are accepted:
//
//   - Authorization: Bearer <token> — a signed token; entitlements come
//     from the verified claims, with no storage round trip.
//   - Authorization: Basic — organization-scoped email/password checked
//     against the identity provider; entitlements are aggregated fresh.
//   - X-IAM-Root-Key — the long-lived operator credential.
//
// Failures answer 401 with a deliberately generic message.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rootKey != "" && r.Header.Get("X-IAM-Root-Key") == s.rootKey {
			principal := &models.Principal{
				Hrn:          rootPrincipal,
				Entitlements: rootEntitlement,
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
			return
		}

		header := r.Header.Get("Authorization")
		switch {
		case strings.HasPrefix(header, "Bearer "):
			claims, err := s.tokens.Validate(r.Context(), strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				log.Debug().Err(err).Msg("token validation failed")
				writeError(w, http.StatusUnauthorized, "authentication failed")
				return
			}
			principal := &models.Principal{
				Hrn:            claims.Subject,
				OrganizationID: claims.OrganizationID,
				UserID:         claims.UserID,
				Entitlements:   claims.Entitlements,
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))

		case strings.HasPrefix(header, "Basic "):
			email, password, ok := r.BasicAuth()
			org := chi.URLParam(r, "org")
			if !ok || org == "" {
				writeError(w, http.StatusUnauthorized, "authentication failed")
				return
			}
			principal, err := s.authenticateCredentials(r.Context(), org, email, password)
			if err != nil {
				log.Debug().Err(err).Str("org", org).Msg("credential authentication failed")
				writeError(w, http.StatusUnauthorized, "authentication failed")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))

		default:
			writeError(w, http.StatusUnauthorized, "authentication required")
		}
	})
}

// auditMiddleware records every request and its outcome.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

func auditMiddleware(auditor AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			ctx, holder := withPrincipalHolder(r.Context())
			r = r.WithContext(ctx)
			next.ServeHTTP(rr, r)

			principalHrn := ""
			if holder.principal != nil {
				principalHrn = holder.principal.Hrn
			}
			decision := "allow"
			if rr.statusCode == http.StatusUnauthorized || rr.statusCode == http.StatusForbidden {
				decision = "deny"
			}
			authzDecisions.WithLabelValues(decision).Inc()

			auditor.LogRequest(r.Context(), &models.AuditEntry{
				RequestID:      requestIDFromCtx(r.Context()),
				PrincipalHrn:   principalHrn,
				Operation:      r.Method,
				Path:           r.URL.Path,
				Decision:       decision,
				ResponseCode:   rr.statusCode,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				ClientIP:       clientIP(r),
			})
		})
	}
}

// rateLimiter is a simple per-IP token bucket rate limiter.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int // requests per second
	burst   int
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: time.Now()}
		rl.buckets[ip] = b
	}
	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
