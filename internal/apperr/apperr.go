// ABOUTME: Error taxonomy shared by the store, conversation service and HTTP layer
// ABOUTME: Sentinel kinds are wrapped with context and mapped to HTTP status codes

package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind names one class of failure in the taxonomy.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindValidation        Kind = "validation_error"
	KindGenerationFailure Kind = "generation_failure"
	KindTimeout           Kind = "timeout"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal"
)

// kindError is the sentinel type; each Kind has exactly one instance.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Sentinel errors. Wrap them with fmt.Errorf("%w: detail", ...) or the
// helpers below and compare with errors.Is.
var (
	ErrUnauthorized      error = &kindError{KindUnauthorized, "unauthorized"}
	ErrForbidden         error = &kindError{KindForbidden, "forbidden"}
	ErrNotFound          error = &kindError{KindNotFound, "not found"}
	ErrConflict          error = &kindError{KindConflict, "conflict"}
	ErrValidation        error = &kindError{KindValidation, "validation error"}
	ErrGenerationFailure error = &kindError{KindGenerationFailure, "generation failed"}
	ErrTimeout           error = &kindError{KindTimeout, "generation timed out"}
	ErrUnavailable       error = &kindError{KindUnavailable, "service unavailable"}
)

// Unauthorized returns ErrUnauthorized wrapped with a formatted detail.
func Unauthorized(format string, args ...any) error {
	return wrap(ErrUnauthorized, format, args...)
}

// NotFound returns ErrNotFound wrapped with a formatted detail.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Conflict returns ErrConflict wrapped with a formatted detail.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// Validation returns ErrValidation wrapped with a formatted detail.
func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// Unavailable returns ErrUnavailable wrapped with a formatted detail.
func Unavailable(format string, args ...any) error {
	return wrap(ErrUnavailable, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf reports the taxonomy kind of err, or KindInternal when err does not
// wrap any sentinel.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindGenerationFailure:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a client. Internal errors are
// collapsed so driver or filesystem details never leak.
func PublicMessage(err error) string {
	if KindOf(err) == KindInternal {
		return "internal server error"
	}
	return err.Error()
}
