package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Keyring derives a per-operator HMAC sub-key from one ops-wide secret via
// HKDF-SHA256, so the shared secret never needs reissuing when a single
// operator's key must rotate. Generalizes the teacher's per-tenant key
// derivation to per-operator.
type Keyring struct {
	mu     sync.RWMutex
	secret []byte
	cache  map[string]*Signer
}

// NewKeyring creates a Keyring over the given ops-wide secret. The secret
// must be non-empty; an empty secret can derive no usable sub-keys.
func NewKeyring(secret []byte) (*Keyring, error) {
	if len(secret) == 0 {
		return nil, ErrEmptyKey
	}
	return &Keyring{secret: secret, cache: make(map[string]*Signer)}, nil
}

// DeriveForOperator returns the Signer for operatorID, deriving and
// caching it on first use. Derivation is deterministic: the same
// operatorID always yields the same sub-key for a given ops secret.
func (k *Keyring) DeriveForOperator(operatorID string) (*Signer, error) {
	k.mu.RLock()
	if s, ok := k.cache[operatorID]; ok {
		k.mu.RUnlock()
		return s, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.cache[operatorID]; ok {
		return s, nil
	}

	sub := make([]byte, 32)
	reader := hkdf.New(sha256.New, k.secret, nil, []byte("opctl:operator-key:"+operatorID))
	if _, err := io.ReadFull(reader, sub); err != nil {
		return nil, fmt.Errorf("crypto: derive operator key: %w", err)
	}

	signer, err := NewSigner(sub)
	if err != nil {
		return nil, err
	}
	k.cache[operatorID] = signer
	return signer, nil
}
