// Package dedupe provides the idempotency key cache for message sends.
//
// A client may send an Idempotency-Key header with a message. The gateway
// claims the key for the authenticated principal before doing anything else;
// a second request with the same key inside the TTL is rejected with 409
// without touching the conversation. If the first request fails before the
// user message is stored, the claim is released so the client can retry.
//
//	cache := dedupe.New(10*time.Minute, 10000)
//	defer cache.Close()
//
//	if !cache.Claim(principalID, key) {
//	    // duplicate
//	}
package dedupe
