// ABOUTME: Package gateway serves the conversation API over HTTP
// ABOUTME: Routes, auth, streaming responses, rate limiting and server lifecycle

// Package gateway exposes the conversation service over HTTP.
//
// # Routes
//
// Everything under /api requires a credential, either an X-API-Key header or
// an Authorization: Bearer JWT:
//
//	GET    /api/conversations?page&limit
//	POST   /api/conversations
//	GET    /api/conversations/{id}
//	PATCH  /api/conversations/{id}
//	DELETE /api/conversations/{id}
//	GET    /api/conversations/{id}/messages?after&render=html
//	POST   /api/conversations/{id}/messages        (alias: /userMessages)
//	GET    /api/conversations/{id}/watch?after
//
// /health, /health/ready and the metrics path are open.
//
// # Responses
//
// JSON responses use one envelope:
//
//	{"success":true,"data":...,"pagination":{...}}
//	{"success":false,"error":{"message":"...","kind":"conflict"}}
//
// Error kinds map onto status codes through package apperr.
//
// # Sending
//
// A send streams server-sent events when the request carries
// Accept: text/event-stream or ?stream=true:
//
//	data: {"type":"user_message","message":{...}}
//	data: {"type":"agent_message_start","message":{...}}
//	data: {"type":"agent_message_chunk","messageId":"...","delta":"..."}
//	data: {"type":"agent_message","message":{...}}
//	data: [DONE]
//
// Otherwise the reply is generated to completion and returned as JSON with
// status 201. Rejections (validation, ownership, a send already running,
// a reused Idempotency-Key, the rate limit) happen before the stream opens
// and are ordinary JSON errors. A stream that fails after opening ends
// without [DONE]; clients recover with GET .../messages?after=N.
//
// # Watching
//
// /watch streams every message persisted in the conversation, from any
// sender, as user_message and agent_message frames. With ?after=N the stored
// backlog is replayed first. Messages without a run id (the ones clients
// sent) are user_message frames. Watch streams end when the gateway shuts
// down.
//
// # Shutdown
//
// Shutdown interrupts running generations and waits for their replies to
// be stored, marked incomplete, before the store is closed. Sends arriving
// after that are refused with 503.
package gateway
