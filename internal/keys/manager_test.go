package keys

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/org/iamcore/internal/crypto"
	"github.com/org/iamcore/internal/storage"
	"github.com/org/iamcore/pkg/models"
)

func TestGenerateRoundTrip(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if key.Status != models.KeyStatusSigning {
		t.Errorf("expected SIGNING status, got %s", key.Status)
	}
	if key.ID == "" {
		t.Error("expected non-empty key id")
	}

	private, err := ParsePrivate(key.PrivateKey)
	if err != nil {
		t.Fatalf("ParsePrivate failed: %v", err)
	}
	public, err := ParsePublic(key.PublicKey)
	if err != nil {
		t.Fatalf("ParsePublic failed: %v", err)
	}
	if !private.PublicKey.Equal(public) {
		t.Error("public half does not match private key")
	}
}

func TestParseMalformedPEM(t *testing.T) {
	if _, err := ParsePrivate([]byte("not pem")); err == nil {
		t.Error("expected error for malformed private PEM")
	}
	if _, err := ParsePublic([]byte("not pem")); err == nil {
		t.Error("expected error for malformed public PEM")
	}
}

func TestBootstrapIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.Bootstrap(ctx); err != nil {
			t.Fatalf("Bootstrap %d failed: %v", i, err)
		}
	}
	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("expected exactly 1 key after repeated bootstrap, got %d", len(keys))
	}
}

func TestSigningKeyMissing(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), time.Hour)
	if _, err := m.SigningKey(context.Background()); err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRotateLifecycle(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, time.Hour)
	ctx := context.Background()

	if err := m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	first, err := m.SigningKey(ctx)
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}

	second, err := m.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if second.ID == first.ID {
		t.Error("rotation should produce a fresh key")
	}

	current, err := m.SigningKey(ctx)
	if err != nil {
		t.Fatalf("SigningKey after rotate failed: %v", err)
	}
	if current.ID != second.ID {
		t.Errorf("expected new key %s to sign, got %s", second.ID, current.ID)
	}

	demoted, err := m.KeyByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("KeyByID failed: %v", err)
	}
	if demoted.Status != models.KeyStatusVerifying {
		t.Errorf("expected old key VERIFYING, got %s", demoted.Status)
	}
}

func TestRotateExpiresStaleVerifyingKeys(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	m := NewManager(store, time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	// A VERIFYING key last touched three validity periods ago: every
	// token it could have signed is long expired.
	stale, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	stale.Status = models.KeyStatusVerifying
	stale.UpdatedAt = now.Add(-3 * time.Hour)
	if err := store.InsertKey(ctx, stale); err != nil {
		t.Fatalf("InsertKey failed: %v", err)
	}

	// A recent VERIFYING key must survive the rotation.
	recent, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	recent.Status = models.KeyStatusVerifying
	recent.UpdatedAt = now.Add(-time.Hour)
	if err := store.InsertKey(ctx, recent); err != nil {
		t.Fatalf("InsertKey failed: %v", err)
	}

	if err := m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if _, err := m.Rotate(ctx); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	got, err := m.KeyByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("KeyByID failed: %v", err)
	}
	if got.Status != models.KeyStatusExpired {
		t.Errorf("expected stale key EXPIRED, got %s", got.Status)
	}
	got, err = m.KeyByID(ctx, recent.ID)
	if err != nil {
		t.Fatalf("KeyByID failed: %v", err)
	}
	if got.Status != models.KeyStatusVerifying {
		t.Errorf("expected recent key to stay VERIFYING, got %s", got.Status)
	}
}

func TestSigningKeyCacheRefresh(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	m := NewManager(store, time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	first, err := m.SigningKey(ctx)
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}

	// Rotate behind the manager's back: the cache still serves the old
	// key until its TTL lapses.
	fresh, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := store.RotateKeys(ctx, fresh, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("RotateKeys failed: %v", err)
	}

	cached, err := m.SigningKey(ctx)
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}
	if cached.ID != first.ID {
		t.Error("cache should still serve the old key within the TTL")
	}

	// Exactly at fetchedAt+ttl the cache counts as expired.
	now = now.Add(time.Hour)
	refreshed, err := m.SigningKey(ctx)
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}
	if refreshed.ID != fresh.ID {
		t.Errorf("expected refreshed key %s, got %s", fresh.ID, refreshed.ID)
	}
}

func TestSealedKeyStorage(t *testing.T) {
	store := storage.NewMemoryStore()
	sealer, err := crypto.NewSealer([]byte("test master key"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	m := NewManager(store, time.Hour).WithSealer(sealer)
	ctx := context.Background()

	if err := m.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	stored, err := store.GetSigningKey(ctx)
	if err != nil {
		t.Fatalf("GetSigningKey failed: %v", err)
	}
	if bytes.Contains(stored.PrivateKey, []byte("PRIVATE KEY")) {
		t.Error("stored private key should be sealed")
	}
	if !bytes.Contains(stored.PublicKey, []byte("PUBLIC KEY")) {
		t.Error("public key should stay plaintext")
	}

	usable, err := m.SigningKey(ctx)
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}
	if _, err := ParsePrivate(usable.PrivateKey); err != nil {
		t.Errorf("manager should return an unsealed private key: %v", err)
	}

	rotated, err := m.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if _, err := ParsePrivate(rotated.PrivateKey); err != nil {
		t.Errorf("Rotate should return plaintext key material: %v", err)
	}
	storedRotated, err := store.GetKeyByID(ctx, rotated.ID)
	if err != nil {
		t.Fatalf("GetKeyByID failed: %v", err)
	}
	if bytes.Contains(storedRotated.PrivateKey, []byte("PRIVATE KEY")) {
		t.Error("rotated key should be sealed in storage")
	}
}
