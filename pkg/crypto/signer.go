// Package crypto provides HMAC-SHA256 signing and verification for
// intents and config override receipts, plus per-operator key derivation.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/vireo-systems/opctl/pkg/canonicalize"
	"github.com/vireo-systems/opctl/pkg/contracts"
)

var (
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	ErrEmptyKey         = errors.New("crypto: signing key is empty")
)

// Signer signs and verifies intents and config override receipts with
// HMAC-SHA256. One Signer is keyed to a single derived sub-key; Keyring
// hands out per-operator Signers from one ops-wide secret.
type Signer struct {
	key []byte
}

// NewSigner builds a Signer from a raw HMAC key. Signing is fail-closed:
// an empty key is rejected outright rather than producing a weak signature.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &Signer{key: key}, nil
}

// SignIntent computes the signature over the intent's canonical signing
// input (id.type.canonical(params).operator_id) and sets intent.Signature.
func (s *Signer) SignIntent(intent *contracts.Intent) error {
	sig, err := s.signIntent(intent)
	if err != nil {
		return err
	}
	intent.Signature = sig
	return nil
}

// VerifyIntent recomputes the signature over the intent's canonical input
// and compares it to intent.Signature in constant time.
func (s *Signer) VerifyIntent(intent *contracts.Intent) (bool, error) {
	expected, err := s.signIntent(intent)
	if err != nil {
		return false, err
	}
	return constantTimeHexEqual(intent.Signature, expected)
}

func (s *Signer) signIntent(intent *contracts.Intent) (string, error) {
	canonicalParams, err := canonicalize.JCS(intent.Params)
	if err != nil {
		return "", fmt.Errorf("crypto: canonicalize params: %w", err)
	}
	input := intent.CanonicalSigningInput(canonicalParams)
	return s.hmacHex(input), nil
}

// SignOverrideReceipt signs a config override receipt over its canonical
// JCS form (excluding the Signature field itself).
func (s *Signer) SignOverrideReceipt(r *contracts.OverrideReceipt) error {
	sig, err := s.signReceipt(r)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// VerifyOverrideReceipt checks a previously-signed override receipt.
func (s *Signer) VerifyOverrideReceipt(r *contracts.OverrideReceipt) (bool, error) {
	expected, err := s.signReceipt(r)
	if err != nil {
		return false, err
	}
	return constantTimeHexEqual(r.Signature, expected)
}

func (s *Signer) signReceipt(r *contracts.OverrideReceipt) (string, error) {
	unsigned := *r
	unsigned.Signature = ""
	data, err := canonicalize.JCS(unsigned)
	if err != nil {
		return "", fmt.Errorf("crypto: canonicalize receipt: %w", err)
	}
	return s.hmacHex(data), nil
}

func (s *Signer) hmacHex(data []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeHexEqual(gotHex, wantHex string) (bool, error) {
	got, err := hex.DecodeString(gotHex)
	if err != nil {
		return false, fmt.Errorf("crypto: decode signature: %w", err)
	}
	want, err := hex.DecodeString(wantHex)
	if err != nil {
		return false, fmt.Errorf("crypto: decode expected signature: %w", err)
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return false, ErrInvalidSignature
	}
	return true, nil
}
