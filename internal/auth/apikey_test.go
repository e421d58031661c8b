// ABOUTME: Tests for bcrypt-backed API key verification
// ABOUTME: Covers hashing, matching, unknown keys and verifier chaining

package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func hashForTest(t *testing.T, key string) string {
	t.Helper()
	// MinCost keeps the tests fast; HashKey uses the default cost.
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

func TestKeyVerifier_Verify(t *testing.T) {
	verifier, err := NewKeyVerifier([]APIKey{
		{Principal: "alice", Hash: hashForTest(t, "alice-key-0123456789")},
		{Principal: "bob", Hash: hashForTest(t, "bob-key-0123456789")},
	})
	if err != nil {
		t.Fatalf("NewKeyVerifier() error = %v", err)
	}

	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"alice-key-0123456789", "alice", false},
		{"bob-key-0123456789", "bob", false},
		{"alice-key-0123456789", "alice", false}, // served from the digest cache
		{"mallory-key-0123456", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := verifier.Verify(tt.key)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownKey) {
				t.Errorf("Verify(%q) error = %v, want ErrUnknownKey", tt.key, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Verify(%q) error = %v", tt.key, err)
		}
		if got != tt.want {
			t.Errorf("Verify(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestNewKeyVerifier_RejectsBadConfig(t *testing.T) {
	if _, err := NewKeyVerifier([]APIKey{{Principal: "alice", Hash: "plaintext"}}); err == nil {
		t.Error("NewKeyVerifier() should reject a non-bcrypt hash")
	}
	if _, err := NewKeyVerifier([]APIKey{{Hash: hashForTest(t, "some-key-0123456789")}}); err == nil {
		t.Error("NewKeyVerifier() should reject a key without principal")
	}
}

func TestHashKey(t *testing.T) {
	if _, err := HashKey("short"); err == nil {
		t.Error("HashKey() should reject short keys")
	}

	hash, err := HashKey("a-long-enough-api-key")
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("a-long-enough-api-key")) != nil {
		t.Error("HashKey() produced a hash that does not match its key")
	}
}

func TestChain(t *testing.T) {
	jwtVerifier := newTestVerifier(t)
	keyVerifier, err := NewKeyVerifier([]APIKey{
		{Principal: "service", Hash: hashForTest(t, "service-key-0123456789")},
	})
	if err != nil {
		t.Fatalf("NewKeyVerifier() error = %v", err)
	}
	chain := Chain{jwtVerifier, keyVerifier}

	token, _ := jwtVerifier.Generate("alice", time.Hour)
	if got, err := chain.Verify(token); err != nil || got != "alice" {
		t.Errorf("Verify(jwt) = %q, %v; want alice", got, err)
	}

	if got, err := chain.Verify("service-key-0123456789"); err != nil || got != "service" {
		t.Errorf("Verify(key) = %q, %v; want service", got, err)
	}

	_, err = chain.Verify("nothing-valid")
	if !errors.Is(err, ErrInvalidToken) || !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Verify(bad) error = %v, want both verifier errors joined", err)
	}

	if _, err := (Chain{}).Verify("x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty chain error = %v, want ErrInvalidToken", err)
	}
}
