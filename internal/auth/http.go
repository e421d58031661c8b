// ABOUTME: HTTP middleware for bearer token and API key authentication
// ABOUTME: Extracts the credential from headers and adds the principal to the request context

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-chat/internal/apperr"
)

// APIKeyHeader carries a static API key as an alternative to Authorization.
const APIKeyHeader = "X-API-Key"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// extractCredential prefers the API key header, then a bearer token.
func extractCredential(r *http.Request) (credential, method, errMsg string) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key, "api_key", ""
	}
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	return token, "bearer", errMsg
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates every
// request with verifier and stores the principal with WithAuth.
// Failures are answered with 401 in the API error envelope.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, method, errMsg := extractCredential(r)
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			principalID, err := verifier.Verify(credential)
			if err != nil {
				logger.Debug("rejected credential", "method", method, "path", r.URL.Path, "error", err)
				writeUnauthorized(w, "invalid credentials")
				return
			}

			authCtx := &AuthContext{PrincipalID: principalID, Method: method}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="coven-chat"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]string{
			"message": msg,
			"kind":    string(apperr.KindUnauthorized),
		},
	})
}
