// Package identity authenticates principals by credential. The Provider
// interface keeps the rest of the service independent of where accounts
// actually live; LocalProvider stores them in the service's own
// database with argon2id password hashes.
package identity

import (
	"context"
	"errors"

	"github.com/org/iamcore/pkg/models"
)

var (
	// ErrUserNotFound is returned when no account matches the lookup.
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrInvalidCredentials is returned on password mismatch or
	// disabled accounts. Callers must not distinguish the two.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
)

// Provider manages accounts and authenticates raw credentials.
type Provider interface {
	CreateUser(ctx context.Context, u *models.User, password string) error
	GetUser(ctx context.Context, userHrn string) (*models.User, error)
	DeleteUser(ctx context.Context, userHrn string) error
	// Authenticate verifies email/password inside one organization and
	// returns the matching user.
	Authenticate(ctx context.Context, organizationID, email, password string) (*models.User, error)
}
