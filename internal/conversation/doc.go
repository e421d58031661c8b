// Package conversation provides the conversation service behind the HTTP API.
//
// # Overview
//
// The Service sits between the HTTP handlers and the store. Every operation
// is authorized by the Guard before it touches data: a missing conversation
// is NotFound, someone else's is Forbidden.
//
//	svc := conversation.New(store, generator, conversation.Options{}, logger)
//
// # Sending
//
// A send happens in two phases:
//
//  1. StartStream authorizes, validates the input, takes the per-conversation
//     lock and stores the user message. Errors here happen before any frame
//     is written, so handlers can still answer with a plain status code.
//  2. Stream.Run drives the generator and writes frames as replies arrive.
//     The generated messages are stored as one batch before the [DONE]
//     sentinel is written.
//
// Generation runs on a context detached from the request. A client that
// disconnects mid-stream stops receiving frames, but the reply is still
// generated and stored; the client catches up later with Messages.
//
// SendMessage is Run with frames discarded and returns the final assistant
// message instead.
//
// # Sequences
//
// Only one send per conversation is in flight at a time. A second send gets
// a Conflict instead of waiting. Sequences are handed out by the lease the
// send holds, so messages of one turn are contiguous.
//
// # Watching
//
// The Broadcaster fans out persisted messages to Watch subscribers over a
// watermill gochannel. Watchers that fall behind lose messages and must
// re-read from the store.
package conversation
