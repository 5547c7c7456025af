package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/org/iamcore/internal/storage"
	"github.com/org/iamcore/pkg/models"
	"golang.org/x/crypto/argon2"
)

const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16
)

// LocalProvider keeps accounts in the service's own store.
type LocalProvider struct {
	store storage.Store
}

// NewLocalProvider creates a Provider backed by the given store.
func NewLocalProvider(store storage.Store) *LocalProvider {
	return &LocalProvider{store: store}
}

func (p *LocalProvider) CreateUser(ctx context.Context, u *models.User, password string) error {
	if strings.TrimSpace(password) == "" {
		return errors.New("identity: password is required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	if u.Status == "" {
		u.Status = models.UserStatusActive
	}
	return p.store.CreateUser(ctx, u)
}

func (p *LocalProvider) GetUser(ctx context.Context, userHrn string) (*models.User, error) {
	u, err := p.store.GetUser(ctx, userHrn)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (p *LocalProvider) DeleteUser(ctx context.Context, userHrn string) error {
	if err := p.store.DeleteUser(ctx, userHrn); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

func (p *LocalProvider) Authenticate(ctx context.Context, organizationID, email, password string) (*models.User, error) {
	u, err := p.store.GetUserByEmail(ctx, organizationID, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if u.Status != models.UserStatusActive {
		return nil, ErrInvalidCredentials
	}
	if !verifyPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func verifyPassword(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
