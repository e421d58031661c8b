// ABOUTME: Reply generator contract: a finite, ordered stream of reply events per send
// ABOUTME: Backends (scripted, echo, or a real model) implement Generator

package generator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// Kind indicates the type of reply event.
type Kind int

const (
	KindToolCall Kind = iota
	KindToolResult
	KindMessage      // complete assistant message
	KindMessageStart // opens a message that MessageDelta events extend
	KindMessageDelta
	KindError // terminal; no events follow
)

func (k Kind) String() string {
	switch k {
	case KindToolCall:
		return "tool_call"
	case KindToolResult:
		return "tool_result"
	case KindMessage:
		return "message"
	case KindMessageStart:
		return "message_start"
	case KindMessageDelta:
		return "message_delta"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Request is the input to one generation.
type Request struct {
	ConversationID string
	PrincipalID    string
	RunID          string
	Trigger        *store.Message
	History        []*store.Message // ascending sequence, includes Trigger
}

// Reply is one event from a generator. Exactly one payload field is set,
// matching Kind.
type Reply struct {
	Kind       Kind
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Message    *Message // KindMessage and KindMessageStart
	Delta      *Delta
	Err        error
}

// ToolCall represents a tool invocation by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	InputJSON string
}

// ToolResult represents the result of a tool invocation.
type ToolResult struct {
	CallID  string
	Output  string // JSON
	IsError bool
}

// Message is assistant output. Key is generator-local and ties deltas to
// their start; it never leaves the server.
type Message struct {
	Key     string
	Content string
	Format  store.Format
}

// Delta appends Text to the message opened with the same Key.
type Delta struct {
	Key  string
	Text string
}

// Generator produces replies for a triggering user message.
// The returned channel is closed after the last event. Implementations must
// stop sending and close the channel once ctx is done.
type Generator interface {
	Generate(ctx context.Context, req *Request) (<-chan *Reply, error)
}

// Func adapts an ordinary function to the Generator interface.
type Func func(ctx context.Context, req *Request) (<-chan *Reply, error)

// Generate calls f(ctx, req).
func (f Func) Generate(ctx context.Context, req *Request) (<-chan *Reply, error) {
	return f(ctx, req)
}

// Config selects and tunes a built-in generator.
type Config struct {
	Kind       string // "scripted" or "echo"
	TokenDelay time.Duration
}

// New builds the generator named by cfg.Kind.
func New(cfg Config, logger *slog.Logger) (Generator, error) {
	switch cfg.Kind {
	case "", "scripted":
		return NewScripted(cfg.TokenDelay, logger), nil
	case "echo":
		return NewEcho(), nil
	default:
		return nil, fmt.Errorf("unknown generator kind %q", cfg.Kind)
	}
}

// send delivers r unless ctx is done first.
func send(ctx context.Context, ch chan<- *Reply, r *Reply) bool {
	select {
	case ch <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
