package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrNoSecret is returned by DeriveKey when no secret was configured.
var ErrNoSecret = errors.New("config: no secret configured")

// Secrets holds key material. The zero value has no secret. The raw secret
// never leaves this type; consumers receive purpose-bound derived keys.
type Secrets struct {
	master []byte
}

// NewSecrets wraps a master secret. An empty string yields empty Secrets.
func NewSecrets(master string) Secrets {
	if master == "" {
		return Secrets{}
	}
	return Secrets{master: []byte(master)}
}

// Configured reports whether a master secret is present.
func (s Secrets) Configured() bool { return len(s.master) > 0 }

// DeriveKey returns an n-byte key bound to purpose, derived with
// HKDF-SHA256. The same secret and purpose always yield the same key.
func (s Secrets) DeriveKey(purpose string, n int) ([]byte, error) {
	if !s.Configured() {
		return nil, ErrNoSecret
	}
	key := make([]byte, n)
	r := hkdf.New(sha256.New, s.master, nil, []byte("chainledger/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// String keeps the secret out of logs and %v output.
func (s Secrets) String() string {
	if s.Configured() {
		return "Secrets(configured)"
	}
	return "Secrets(none)"
}
