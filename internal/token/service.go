// Package token issues and verifies the signed entitlement tokens the
// service hands to authenticated principals. Tokens are self-contained:
// the embedded entitlement document feeds the validator directly, with
// no storage round trip on the request path.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/org/iamcore/internal/entitlement"
	"github.com/org/iamcore/internal/hrn"
	"github.com/org/iamcore/internal/keys"
)

// ClaimsVersion is the current layout version of the custom claims.
const ClaimsVersion = "1.0"

var (
	// ErrTokenExpired is returned for structurally valid tokens past
	// their expiry.
	ErrTokenExpired = errors.New("token: expired")
	// ErrInvalidSignature is returned when the signature does not
	// verify against the referenced key.
	ErrInvalidSignature = errors.New("token: invalid signature")
	// ErrMalformed is returned for tokens that cannot be parsed at all.
	ErrMalformed = errors.New("token: malformed")
)

// Claims carries the registered claim set plus the custom claims
// embedding the principal's entitlements.
type Claims struct {
	Version        string `json:"ver"`
	UserID         string `json:"usr"`
	OrganizationID string `json:"org"`
	Entitlements   string `json:"entitlements"`
	jwt.RegisteredClaims
}

// Service mints and verifies ES256 tokens.
type Service struct {
	keys       *keys.Manager
	aggregator *entitlement.Aggregator
	issuer     string
	validity   time.Duration
	now        func() time.Time
}

// NewService creates a token Service.
func NewService(km *keys.Manager, agg *entitlement.Aggregator, issuer string, validity time.Duration) *Service {
	return &Service{
		keys:       km,
		aggregator: agg,
		issuer:     issuer,
		validity:   validity,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Validity returns the configured token lifetime.
func (s *Service) Validity() time.Duration {
	return s.validity
}

// Generate issues a signed token for the given user, embedding the
// user's aggregated entitlements at issuance time.
func (s *Service) Generate(ctx context.Context, userHrn string) (string, error) {
	parsed, err := hrn.Parse(userHrn)
	if err != nil {
		return "", err
	}
	builder, err := s.aggregator.FetchEntitlements(ctx, userHrn)
	if err != nil {
		return "", err
	}

	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	private, err := keys.ParsePrivate(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("token: decoding signing key: %w", err)
	}

	now := s.now().UTC()
	claims := Claims{
		Version:        ClaimsVersion,
		UserID:         parsed.ResourceInstance(),
		OrganizationID: parsed.Organization(),
		Entitlements:   builder.Build(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userHrn,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.validity)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = key.ID
	signed, err := tok.SignedString(private)
	if err != nil {
		return "", fmt.Errorf("token: signing: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string. Verification succeeds
// for any stored key, including VERIFYING and EXPIRED ones, so tokens
// signed before a rotation stay valid until their own expiry.
func (s *Service) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, keys.ErrKeyNotFound
		}
		key, err := s.keys.KeyByID(ctx, kid)
		if err != nil {
			return nil, err
		}
		return keys.ParsePublic(key.PublicKey)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrKeyNotFound):
			return nil, keys.ErrKeyNotFound
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if claims.Subject == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}
