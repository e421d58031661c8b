// Package auth provides authentication for coven-chat.
//
// # Authentication Methods
//
//   - JWT Tokens: HS256 tokens whose "sub" claim is the principal ID. Tokens
//     are signed with the configured jwt_secret and minted with
//     `coven-chat token <principal>`.
//
//   - API Keys: static keys listed in the config as bcrypt hashes, presented
//     in the X-API-Key header. A key that verified once is remembered by its
//     SHA-256 digest.
//
// Both implement TokenVerifier; Chain tries them in order.
//
// # HTTP Middleware
//
//	r.Use(auth.HTTPAuthMiddleware(auth.Chain{jwtVerifier, keyVerifier}, logger))
//
// The middleware rejects requests without a valid credential with 401 and
// stores the principal in the request context:
//
//	principalID := auth.PrincipalID(r.Context())
//
// Authorization (who may touch which conversation) is not done here; the
// conversation service checks ownership on every operation.
package auth
