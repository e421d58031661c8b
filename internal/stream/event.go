// ABOUTME: Streamed event union carried by the chat SSE protocol
// ABOUTME: Each frame is "data: <json>\n\n"; a literal [DONE] payload ends a clean stream

package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-chat/internal/store"
)

// Wire type tags.
const (
	TypeUserMessage       = "user_message"
	TypeAgentMessage      = "agent_message"
	TypeAgentMessageStart = "agent_message_start"
	TypeAgentMessageChunk = "agent_message_chunk"
)

// DonePayload is the data of the terminal sentinel frame.
const DonePayload = "[DONE]"

// ErrUnknownEvent is returned for well-formed frames with an unrecognized type tag.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is one streamed event. The set of implementations is closed.
type Event interface {
	// Type returns the wire tag, or DonePayload for the sentinel.
	Type() string
	sealed()
}

// UserMessage carries the persisted user message that opened the turn.
type UserMessage struct {
	Message *store.Message
}

// AgentMessage carries a complete generated message (tool call, tool result,
// or an assistant message that was not streamed).
type AgentMessage struct {
	Message *store.Message
}

// AgentMessageStart opens a streamed assistant message. Message.Content is empty.
type AgentMessageStart struct {
	Message *store.Message
}

// AgentMessageChunk appends Delta to the message started with MessageID.
type AgentMessageChunk struct {
	MessageID string
	Delta     string
}

// Done is the terminal sentinel.
type Done struct{}

func (UserMessage) Type() string       { return TypeUserMessage }
func (AgentMessage) Type() string      { return TypeAgentMessage }
func (AgentMessageStart) Type() string { return TypeAgentMessageStart }
func (AgentMessageChunk) Type() string { return TypeAgentMessageChunk }
func (Done) Type() string              { return DonePayload }

func (UserMessage) sealed()       {}
func (AgentMessage) sealed()      {}
func (AgentMessageStart) sealed() {}
func (AgentMessageChunk) sealed() {}
func (Done) sealed()              {}

type wireEvent struct {
	Type      string         `json:"type"`
	Message   *store.Message `json:"message,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Delta     *string        `json:"delta,omitempty"`
}

// Payload returns the frame data for e, without the "data: " prefix.
func Payload(e Event) ([]byte, error) {
	var w wireEvent
	switch ev := e.(type) {
	case Done:
		return []byte(DonePayload), nil
	case UserMessage:
		w = wireEvent{Type: TypeUserMessage, Message: ev.Message}
	case AgentMessage:
		w = wireEvent{Type: TypeAgentMessage, Message: ev.Message}
	case AgentMessageStart:
		w = wireEvent{Type: TypeAgentMessageStart, Message: ev.Message}
	case AgentMessageChunk:
		delta := ev.Delta
		w = wireEvent{Type: TypeAgentMessageChunk, MessageID: ev.MessageID, Delta: &delta}
	default:
		return nil, fmt.Errorf("encoding %T: %w", e, ErrUnknownEvent)
	}
	return json.Marshal(w)
}

// Encode returns the complete frame for e, terminator included.
func Encode(e Event) ([]byte, error) {
	payload, err := Payload(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// ParsePayload decodes the data of one frame.
func ParsePayload(data []byte) (Event, error) {
	if string(data) == DonePayload {
		return Done{}, nil
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	switch w.Type {
	case TypeUserMessage, TypeAgentMessage, TypeAgentMessageStart:
		if w.Message == nil {
			return nil, fmt.Errorf("%s frame without message", w.Type)
		}
		switch w.Type {
		case TypeUserMessage:
			return UserMessage{Message: w.Message}, nil
		case TypeAgentMessage:
			return AgentMessage{Message: w.Message}, nil
		default:
			return AgentMessageStart{Message: w.Message}, nil
		}
	case TypeAgentMessageChunk:
		if w.MessageID == "" || w.Delta == nil {
			return nil, fmt.Errorf("%s frame missing messageId or delta", w.Type)
		}
		return AgentMessageChunk{MessageID: w.MessageID, Delta: *w.Delta}, nil
	default:
		return nil, fmt.Errorf("%q: %w", w.Type, ErrUnknownEvent)
	}
}
