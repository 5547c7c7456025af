// Package crypto seals signing key material at rest. Private keys are
// encrypted with AES-256-GCM under a key derived from the configured
// master key; public halves stay plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const kekContext = "iamcore-keys-v1"

// ErrSealedTooShort is returned for sealed blobs shorter than a nonce.
var ErrSealedTooShort = errors.New("crypto: sealed data too short")

// Sealer encrypts and decrypts key material with a derived KEK.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a KEK from the master key and prepares the AEAD.
// The master key can be any length; derivation normalizes it.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("crypto: master key is empty")
	}
	kek, err := DeriveKEK(masterKey, kekContext)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce-prefixed ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce-prefixed sealed blob.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrSealedTooShort
	}
	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// DeriveKEK derives a 32-byte key encryption key from the master key
// using HKDF-SHA256 bound to the given context string.
func DeriveKEK(masterKey []byte, context string) ([]byte, error) {
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(context))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

// GenerateMasterKey generates a 32-byte cryptographically secure random
// master key, for operators provisioning a fresh deployment.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return key, nil
}
