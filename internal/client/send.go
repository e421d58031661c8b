// ABOUTME: Sending messages and following conversations over server-sent events
// ABOUTME: A stream that ends without the sentinel is recovered with a catch-up read

package client

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
)

// SendRequest is a message to append to a conversation. Empty enum fields
// take the server defaults (USER, CHAT, TEXT).
type SendRequest struct {
	Content  string            `json:"content"`
	Role     store.Role        `json:"role,omitempty"`
	Type     store.MessageType `json:"type,omitempty"`
	Format   store.Format      `json:"format,omitempty"`
	Sequence *int64            `json:"sequence,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// SendResult is the server's answer to a non-streaming send.
type SendResult struct {
	RunID            string           `json:"runId"`
	UserMessage      *store.Message   `json:"userMessage"`
	AssistantMessage *store.Message   `json:"assistantMessage"`
	Messages         []*store.Message `json:"messages"`
}

// Turn is the outcome of a streamed send.
type Turn struct {
	// Messages holds the user message followed by the reply, ascending.
	Messages []*store.Message
	// Complete is true when the server sent the terminal sentinel.
	Complete bool
	// Recovered is true when Messages came from a catch-up read.
	Recovered bool
	// Dropped counts events the reassembler could not apply.
	Dropped int
}

// ErrNoUserMessage is returned when a stream ends before the server
// confirmed the user message, so there is nothing to catch up from.
var ErrNoUserMessage = errors.New("stream ended before the user message was confirmed")

func messagesPath(id string) string {
	return conversationPath(id) + "/messages"
}

// Send appends a message and waits for the complete reply.
// idempotencyKey may be empty.
func (c *Client) Send(ctx context.Context, conversationID string, in SendRequest, idempotencyKey string) (*SendResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, messagesPath(conversationID), in)
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	var result SendResult
	if _, err := c.roundTrip(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stream appends a message and follows the reply as it is generated,
// calling onEvent (if non-nil) for every frame in arrival order.
//
// When the stream ends without the sentinel the turn is rebuilt from the
// stored messages. The returned Turn then has Complete false and Recovered
// true; its messages carry whatever the server persisted.
func (c *Client) Stream(ctx context.Context, conversationID string, in SendRequest, idempotencyKey string, onEvent func(stream.Event)) (*Turn, error) {
	req, err := c.newRequest(ctx, http.MethodPost, messagesPath(conversationID), in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if !isEventStream(resp) {
		_, err := readEnvelope(resp)
		if err == nil {
			err = fmt.Errorf("expected an event stream, got %q", resp.Header.Get("Content-Type"))
		}
		return nil, err
	}

	re := stream.NewReassembler(c.logger)
	readErr := stream.ReadAll(resp.Body, stream.NewDecoder(c.logger), func(ev stream.Event) error {
		re.Apply(ev)
		if onEvent != nil {
			onEvent(ev)
		}
		return nil
	})

	if re.Complete() {
		return &Turn{Messages: re.Messages(), Complete: true, Dropped: re.Dropped()}, nil
	}

	c.logger.Warn("stream ended without sentinel, catching up",
		"conversation_id", conversationID,
		"error", readErr)

	user := re.UserMessage()
	if user == nil {
		if readErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoUserMessage, readErr)
		}
		return nil, ErrNoUserMessage
	}

	history, err := c.Messages(context.WithoutCancel(ctx), conversationID, user.Sequence-1)
	if err != nil {
		return &Turn{Messages: re.Messages(), Dropped: re.Dropped()}, fmt.Errorf("catching up after dropped stream: %w", err)
	}
	dropped := re.Dropped()
	re.Reset(history)
	return &Turn{Messages: re.Messages(), Recovered: true, Dropped: dropped}, nil
}

// Watch follows every message persisted in the conversation, first
// replaying those after the given sequence when after >= 0. It returns when
// ctx is cancelled, the server ends the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, conversationID string, after int64, fn func(*store.Message) error) error {
	path := conversationPath(conversationID) + "/watch"
	if after >= 0 {
		path += fmt.Sprintf("?after=%d", after)
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opening watch stream: %w", err)
	}
	defer resp.Body.Close()

	if !isEventStream(resp) {
		_, err := readEnvelope(resp)
		if err == nil {
			err = fmt.Errorf("expected an event stream, got %q", resp.Header.Get("Content-Type"))
		}
		return err
	}

	err = stream.ReadAll(resp.Body, stream.NewDecoder(c.logger), func(ev stream.Event) error {
		switch e := ev.(type) {
		case stream.UserMessage:
			return fn(e.Message)
		case stream.AgentMessage:
			return fn(e.Message)
		}
		return nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func isEventStream(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && strings.EqualFold(mt, "text/event-stream")
}
