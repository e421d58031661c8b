// Package client is an HTTP client for the coven-chat API.
//
// # Usage
//
//	c := client.New("http://localhost:8080", logger, client.WithToken(token))
//	conv, err := c.CreateConversation(ctx, nil)
//	turn, err := c.Stream(ctx, conv.ID, client.SendRequest{Content: "hi"}, "", func(ev stream.Event) {
//		// render frames as they arrive
//	})
//
// # Streaming
//
// Stream feeds every frame through a stream.Reassembler, so the returned
// Turn holds the same messages the server stored. If the connection drops
// before the [DONE] sentinel, Stream reads the stored messages from the
// user message onwards and returns them with Recovered set.
//
// # Errors
//
// Non-2xx responses are returned as *APIError carrying the server's error
// kind; IsKind tests for one.
package client
