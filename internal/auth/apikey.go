// ABOUTME: Static API keys checked against bcrypt hashes from the config file
// ABOUTME: Verified keys are remembered by digest so bcrypt runs once per key

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownKey is returned when no configured key matches.
var ErrUnknownKey = errors.New("unknown api key")

// APIKey is one configured key: the principal it authenticates and the
// bcrypt hash of the secret.
type APIKey struct {
	Principal string
	Hash      string
}

// KeyVerifier implements TokenVerifier for static API keys.
type KeyVerifier struct {
	keys []APIKey

	mu       sync.RWMutex
	verified map[string]string // sha256(key) -> principal
}

// NewKeyVerifier creates a verifier over the given keys. Every hash must be
// a valid bcrypt hash.
func NewKeyVerifier(keys []APIKey) (*KeyVerifier, error) {
	for i, k := range keys {
		if k.Principal == "" {
			return nil, fmt.Errorf("api key %d: principal is required", i)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("api key %d (%s): %w", i, k.Principal, err)
		}
	}
	return &KeyVerifier{
		keys:     keys,
		verified: make(map[string]string),
	}, nil
}

// Verify returns the principal whose hash matches key.
func (v *KeyVerifier) Verify(key string) (string, error) {
	if key == "" {
		return "", ErrUnknownKey
	}

	digest := sha256.Sum256([]byte(key))
	id := hex.EncodeToString(digest[:])

	v.mu.RLock()
	principal, ok := v.verified[id]
	v.mu.RUnlock()
	if ok {
		return principal, nil
	}

	for _, k := range v.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(key)) == nil {
			v.mu.Lock()
			v.verified[id] = k.Principal
			v.mu.Unlock()
			return k.Principal, nil
		}
	}
	return "", ErrUnknownKey
}

// HashKey returns the bcrypt hash to put in the config for key.
func HashKey(key string) (string, error) {
	if len(key) < 16 {
		return "", errors.New("api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}
	return string(hash), nil
}

// Chain tries each verifier in order and returns the first principal found.
type Chain []TokenVerifier

// Verify implements TokenVerifier.
func (c Chain) Verify(credential string) (string, error) {
	var errs []error
	for _, v := range c {
		principal, err := v.Verify(credential)
		if err == nil {
			return principal, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrInvalidToken
	}
	return "", errors.Join(errs...)
}
