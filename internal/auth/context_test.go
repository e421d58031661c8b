// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_RoundTrip(t *testing.T) {
	want := &AuthContext{PrincipalID: "alice", Method: "bearer"}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
	if PrincipalID(ctx) != "alice" {
		t.Errorf("PrincipalID() = %q, want alice", PrincipalID(ctx))
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
	if got := PrincipalID(context.Background()); got != "" {
		t.Errorf("PrincipalID() = %q, want empty", got)
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not an AuthContext")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}
