// ABOUTME: Tests for the error taxonomy
// ABOUTME: Covers wrapping, kind detection and HTTP status mapping

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedSentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found helper", NotFound("conversation %s", "c1"), KindNotFound},
		{"conflict helper", Conflict("sequence %d taken", 3), KindConflict},
		{"double wrapped", fmt.Errorf("appending: %w", Conflict("dup")), KindConflict},
		{"forbidden sentinel", ErrForbidden, KindForbidden},
		{"timeout sentinel", fmt.Errorf("run r1: %w", ErrTimeout), KindTimeout},
		{"unavailable helper", Unavailable("shutting down"), KindUnavailable},
		{"plain error", errors.New("disk on fire"), KindInternal},
		{"nil", nil, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(Unauthorized("no token")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(ErrForbidden))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("content is required")))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(ErrGenerationFailure))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(ErrTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestErrorsIs(t *testing.T) {
	err := Validation("role %q is invalid", "ROBOT")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, `validation error: role "ROBOT" is invalid`, err.Error())
}

func TestPublicMessage_HidesInternalErrors(t *testing.T) {
	assert.Equal(t, "internal server error", PublicMessage(errors.New("sqlite: database is locked")))
	assert.Equal(t, "not found: conversation c1", PublicMessage(NotFound("conversation c1")))
}
