// Package cryptutil seals peer private keys at rest using a key derived
// from the operator-supplied session secret, so a stolen registry backup
// does not hand over usable client keys.
//
// The at-rest encryption itself has no direct counterpart in the teacher
// or original_source (the Python implementation stores private keys
// unencrypted; internal/lifecycle's NEVER_STORE_PRIVATE_KEYS mode offers
// the stricter choice of never storing them at all). Where storage is
// enabled, golang.org/x/crypto/nacl/secretbox is used directly per its
// documented usage pattern: a random nonce prefixed to the sealed box.
package cryptutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecrypt covers any failure to open a sealed value: wrong key,
// truncated data, or tampering.
var ErrDecrypt = errors.New("cryptutil: failed to decrypt")

// Sealer seals and opens values with a fixed 32-byte key derived from a
// passphrase-like secret.
type Sealer struct {
	key [32]byte
}

// NewSealer derives a 32-byte key from secret via SHA-256. secret should be
// a long-lived, high-entropy operator value (the session secret already
// used for admin auth), never logged.
func NewSealer(secret string) *Sealer {
	return &Sealer{key: sha256.Sum256([]byte(secret))}
}

// Seal encrypts plaintext and returns a base64-encoded nonce||box, suitable
// for storing directly in a text column.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("cryptutil: generating nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Returns ErrDecrypt if sealed is malformed or the key
// doesn't match.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding: %v", ErrDecrypt, err)
	}
	if len(raw) < 24 {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
