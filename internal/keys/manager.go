// Package keys manages the asymmetric signing key lifecycle: a single
// SIGNING key mints tokens, rotated-away VERIFYING keys keep validating
// outstanding tokens, and EXPIRED keys are retained for audit.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/iamcore/internal/crypto"
	"github.com/org/iamcore/internal/storage"
	"github.com/org/iamcore/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	privateKeyPEMType = "EC PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// ErrKeyNotFound is returned when a token references a key id that was
// never stored.
var ErrKeyNotFound = errors.New("keys: key not found")

// Manager fetches, caches, and rotates signing keys. The cache is
// read-mostly and refreshed lazily: a stale cache briefly signing with
// a rotated-away key is fine because that key stays VERIFYING.
type Manager struct {
	store         storage.Store
	tokenValidity time.Duration
	now           func() time.Time
	sealer        *crypto.Sealer

	mu        sync.Mutex
	cached    *models.SigningKey
	fetchedAt time.Time
}

// NewManager creates a Manager. tokenValidity doubles as the cache TTL
// and drives the VERIFYING->EXPIRED cutoff on rotation.
func NewManager(store storage.Store, tokenValidity time.Duration) *Manager {
	return &Manager{
		store:         store,
		tokenValidity: tokenValidity,
		now:           time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithSealer makes the Manager encrypt private key material before it
// reaches storage and decrypt it on the way back. Public halves stay
// plaintext so verification never needs the sealer.
func (m *Manager) WithSealer(sealer *crypto.Sealer) *Manager {
	m.sealer = sealer
	return m
}

// sealKey returns a copy of key with the private half encrypted, or the
// key unchanged when no sealer is configured.
func (m *Manager) sealKey(key *models.SigningKey) (*models.SigningKey, error) {
	if m.sealer == nil {
		return key, nil
	}
	sealed, err := m.sealer.Seal(key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}
	out := *key
	out.PrivateKey = sealed
	return &out, nil
}

// unsealKey reverses sealKey for keys loaded from storage.
func (m *Manager) unsealKey(key *models.SigningKey) (*models.SigningKey, error) {
	if m.sealer == nil {
		return key, nil
	}
	plain, err := m.sealer.Open(key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unsealing private key %s: %w", key.ID, err)
	}
	out := *key
	out.PrivateKey = plain
	return &out, nil
}

// SigningKey returns the current SIGNING key, refreshing the cache when
// it has expired (fetchedAt + ttl <= now). The first call populates the
// cache synchronously.
func (m *Manager) SigningKey(ctx context.Context) (*models.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && m.fetchedAt.Add(m.tokenValidity).After(m.now()) {
		return m.cached, nil
	}
	key, err := m.store.GetSigningKey(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("fetching signing key: %w", err)
	}
	key, err = m.unsealKey(key)
	if err != nil {
		return nil, err
	}
	m.cached = key
	m.fetchedAt = m.now()
	return key, nil
}

// KeyByID fetches a key regardless of status, so tokens signed with a
// rotated-away key still verify until they expire.
func (m *Manager) KeyByID(ctx context.Context, id string) (*models.SigningKey, error) {
	key, err := m.store.GetKeyByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("fetching key %s: %w", id, err)
	}
	return key, nil
}

// Rotate generates a fresh key pair and applies the lifecycle
// transitions in one storage transaction: VERIFYING keys past the
// cutoff expire, the SIGNING key becomes VERIFYING, the new key becomes
// SIGNING. On success the local cache is invalidated.
func (m *Manager) Rotate(ctx context.Context) (*models.SigningKey, error) {
	key, err := Generate()
	if err != nil {
		return nil, err
	}
	stored, err := m.sealKey(key)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-2 * m.tokenValidity)
	if err := m.store.RotateKeys(ctx, stored, cutoff); err != nil {
		return nil, fmt.Errorf("rotating keys: %w", err)
	}

	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()

	log.Info().Str("key_id", key.ID).Msg("signing key rotated")
	return key, nil
}

// Bootstrap inserts an initial SIGNING key when the store has none.
func (m *Manager) Bootstrap(ctx context.Context) error {
	_, err := m.store.GetSigningKey(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("checking signing key: %w", err)
	}
	key, err := Generate()
	if err != nil {
		return err
	}
	key, err = m.sealKey(key)
	if err != nil {
		return err
	}
	if err := m.store.InsertKey(ctx, key); err != nil {
		return fmt.Errorf("inserting bootstrap key: %w", err)
	}
	log.Info().Str("key_id", key.ID).Msg("bootstrap signing key created")
	return nil
}

// Generate creates a new P-256 key pair in SIGNING state, PEM-encoded
// for storage.
func Generate() (*models.SigningKey, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	privateDER, err := x509.MarshalECPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	now := time.Now().UTC()
	return &models.SigningKey{
		ID:         uuid.NewString(),
		PrivateKey: pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: privateDER}),
		PublicKey:  pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: publicDER}),
		Status:     models.KeyStatusSigning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// ParsePrivate decodes a PEM-encoded ECDSA private key.
func ParsePrivate(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != privateKeyPEMType {
		return nil, errors.New("keys: malformed private key PEM")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// ParsePublic decodes a PEM-encoded ECDSA public key.
func ParsePublic(pemBytes []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != publicKeyPEMType {
		return nil, errors.New("keys: malformed public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	public, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("keys: public key is not ECDSA")
	}
	return public, nil
}
