package models

import "time"

// KeyStatus is the lifecycle state of a signing key. Transitions are
// monotonic: Signing -> Verifying -> Expired.
type KeyStatus string

const (
	// KeyStatusSigning marks the key used to sign newly issued tokens.
	// At most one key holds this status at a time.
	KeyStatusSigning KeyStatus = "SIGNING"
	// KeyStatusVerifying marks a rotated-away key that still validates
	// signatures of not-yet-expired tokens.
	KeyStatusVerifying KeyStatus = "VERIFYING"
	// KeyStatusExpired marks a key retained for audit only.
	KeyStatusExpired KeyStatus = "EXPIRED"
)

// SigningKey is an asymmetric key pair used for token signing and
// verification. Private and public halves are stored PEM-encoded.
type SigningKey struct {
	ID         string
	PrivateKey []byte
	PublicKey  []byte
	Status     KeyStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
