// ABOUTME: JSON response envelope shared by every API handler
// ABOUTME: Success bodies carry data; errors carry a public message and a machine-readable kind

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/coven-chat/internal/apperr"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Pagination describes one page of a list response.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ErrorBody is the error member of a failed response.
type ErrorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Envelope wraps every JSON response.
type Envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *ErrorBody  `json:"error,omitempty"`
}

// writeJSON writes a successful envelope around data.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, data any) {
	g.writeEnvelope(w, status, Envelope{Success: true, Data: data})
}

func (g *Gateway) writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// writeError maps err onto a status code and error envelope. Internal errors
// are logged in full and reported to the client without detail.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err)
	} else {
		g.logger.Debug("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err)
	}

	g.writeEnvelope(w, status, Envelope{
		Error: &ErrorBody{
			Message: apperr.PublicMessage(err),
			Kind:    string(apperr.KindOf(err)),
		},
	})
}

// decodeBody reads a JSON body into dst. An empty body is allowed when
// optional is true and leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(body).Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return apperr.Validation("request body is required")
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Validation("invalid JSON body")
	}
}
