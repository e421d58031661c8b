// ABOUTME: Deterministic generators used in place of a real inference backend
// ABOUTME: Scripted performs one tool round trip then streams a markdown answer; Echo replies once

package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

const scriptedToolName = "search_conversation"

// Scripted announces a tool call, yields its result, then streams a
// markdown answer one token at a time.
type Scripted struct {
	tokenDelay time.Duration
	logger     *slog.Logger
}

// NewScripted creates a Scripted generator that waits tokenDelay between deltas.
func NewScripted(tokenDelay time.Duration, logger *slog.Logger) *Scripted {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scripted{
		tokenDelay: tokenDelay,
		logger:     logger.With("component", "generator.scripted"),
	}
}

// Generate implements Generator.
func (s *Scripted) Generate(ctx context.Context, req *Request) (<-chan *Reply, error) {
	if req.Trigger == nil {
		return nil, fmt.Errorf("scripted generator: trigger message is required")
	}

	callID := "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	input, err := json.Marshal(map[string]any{"query": req.Trigger.Content})
	if err != nil {
		return nil, fmt.Errorf("encoding tool input: %w", err)
	}

	prior := 0
	for _, m := range req.History {
		if m.ID != req.Trigger.ID && m.Type == store.MessageTypeChat {
			prior++
		}
	}
	output, err := json.Marshal(map[string]any{
		"query":          req.Trigger.Content,
		"prior_messages": prior,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tool output: %w", err)
	}

	answer := scriptedAnswer(req.Trigger.Content, prior)
	ch := make(chan *Reply, 16)

	go func() {
		defer close(ch)

		steps := []*Reply{
			{Kind: KindToolCall, ToolCall: &ToolCall{ID: callID, Name: scriptedToolName, InputJSON: string(input)}},
			{Kind: KindToolResult, ToolResult: &ToolResult{CallID: callID, Output: string(output)}},
			{Kind: KindMessageStart, Message: &Message{Key: "answer", Format: store.FormatMarkdown}},
		}
		for _, r := range steps {
			if !send(ctx, ch, r) {
				return
			}
		}

		for _, tok := range Tokenize(answer) {
			if !sleep(ctx, s.tokenDelay) {
				s.logger.Debug("generation interrupted", "run_id", req.RunID)
				return
			}
			if !send(ctx, ch, &Reply{Kind: KindMessageDelta, Delta: &Delta{Key: "answer", Text: tok}}) {
				return
			}
		}
	}()

	return ch, nil
}

func scriptedAnswer(query string, prior int) string {
	q := strings.TrimSpace(query)
	var b strings.Builder
	fmt.Fprintf(&b, "Here is what I found for **%s**:\n\n", q)
	switch prior {
	case 0:
		b.WriteString("- This is the first message in the conversation\n")
	case 1:
		b.WriteString("- There is 1 earlier message to draw on\n")
	default:
		fmt.Fprintf(&b, "- There are %d earlier messages to draw on\n", prior)
	}
	fmt.Fprintf(&b, "- The search tool was called with `%s`\n", q)
	b.WriteString("\n> Generated by the scripted backend.")
	return b.String()
}

// Tokenize splits text into word-sized pieces whose concatenation is text.
func Tokenize(text string) []string {
	var tokens []string
	start := 0
	for i, r := range text {
		if r == ' ' || r == '\n' {
			tokens = append(tokens, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

// Echo replies with one complete markdown message quoting the trigger.
type Echo struct{}

// NewEcho creates an Echo generator.
func NewEcho() *Echo {
	return &Echo{}
}

// Generate implements Generator.
func (Echo) Generate(ctx context.Context, req *Request) (<-chan *Reply, error) {
	if req.Trigger == nil {
		return nil, fmt.Errorf("echo generator: trigger message is required")
	}

	ch := make(chan *Reply, 1)
	go func() {
		defer close(ch)
		send(ctx, ch, &Reply{
			Kind: KindMessage,
			Message: &Message{
				Key:     "echo",
				Content: echoReply(req.Trigger.Content),
				Format:  store.FormatMarkdown,
			},
		})
	}()
	return ch, nil
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	}
	return fmt.Sprintf("Echo: **%s**", input)
}
