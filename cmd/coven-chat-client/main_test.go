// ABOUTME: Tests for the terminal client's output rendering
// ABOUTME: Streamed frames should print the same reply as a stored message would

package main

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
)

func TestStreamPrinter(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	p := &streamPrinter{out: &buf}

	call := &store.Message{ID: "t1", Role: store.RoleAssistant, Type: store.MessageTypeToolCall, Content: `{"q":"x"}`}
	answer := &store.Message{ID: "a1", Role: store.RoleAssistant, Type: store.MessageTypeChat}

	p.handle(stream.UserMessage{Message: &store.Message{ID: "u1", Role: store.RoleUser, Content: "hi"}})
	p.handle(stream.AgentMessage{Message: call})
	p.handle(stream.AgentMessageStart{Message: answer})
	p.handle(stream.AgentMessageChunk{MessageID: "a1", Delta: "Hel"})
	p.handle(stream.AgentMessageChunk{MessageID: "a1", Delta: "lo"})
	p.handle(stream.Done{})
	p.finish()

	assert.Equal(t, "assistant: call {\"q\":\"x\"}\nassistant: Hello\n", buf.String())
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"list", "new", "show", "rename", "rm", "send", "watch", "chat"} {
		cmd, _, err := root.Find([]string{name})
		assert.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
