// ABOUTME: Client-side reconstruction of conversation state from streamed events
// ABOUTME: Applies events in arrival order; chunks extend the message opened by their start

package stream

import (
	"fmt"
	"log/slog"

	"github.com/2389/coven-chat/internal/store"
)

// Reassembler rebuilds the ordered message list a stream describes.
// It is not safe for concurrent use.
type Reassembler struct {
	messages  []*store.Message
	positions map[string]int  // message ID -> index in messages
	streaming map[string]bool // IDs opened by a start event
	user      *store.Message  // first user_message event applied
	done      bool
	dropped   int
	logger    *slog.Logger
}

// NewReassembler creates an empty Reassembler.
func NewReassembler(logger *slog.Logger) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{
		positions: make(map[string]int),
		streaming: make(map[string]bool),
		logger:    logger.With("component", "stream.reassembler"),
	}
}

// Reset replaces local state with history, typically a catch-up read after
// a dropped stream. The sentinel flag, drop counter and user message are
// cleared.
func (r *Reassembler) Reset(history []*store.Message) {
	r.messages = r.messages[:0]
	r.positions = make(map[string]int, len(history))
	r.streaming = make(map[string]bool)
	r.user = nil
	r.done = false
	r.dropped = 0
	for _, m := range history {
		r.put(m.Clone())
	}
}

// Apply folds one event into the state. It reports whether the event
// changed anything; events after Done never do.
func (r *Reassembler) Apply(ev Event) bool {
	if r.done {
		return false
	}

	switch e := ev.(type) {
	case UserMessage:
		m := e.Message.Clone()
		r.put(m)
		if r.user == nil {
			r.user = m
		}
	case AgentMessage:
		r.put(e.Message.Clone())
		delete(r.streaming, e.Message.ID)
	case AgentMessageStart:
		shell := e.Message.Clone()
		shell.Content = ""
		r.put(shell)
		r.streaming[shell.ID] = true
	case AgentMessageChunk:
		if !r.streaming[e.MessageID] {
			r.dropped++
			r.logger.Warn("dropping chunk for unknown message", "message_id", e.MessageID)
			return false
		}
		r.messages[r.positions[e.MessageID]].Content += e.Delta
	case Done:
		r.done = true
		r.streaming = make(map[string]bool)
	default:
		r.dropped++
		r.logger.Warn("dropping unsupported event", "type", fmt.Sprintf("%T", ev))
		return false
	}
	return true
}

// put appends m, or replaces the existing entry with the same ID so replays
// never duplicate a message.
func (r *Reassembler) put(m *store.Message) {
	if i, ok := r.positions[m.ID]; ok {
		r.messages[i] = m
		return
	}
	r.positions[m.ID] = len(r.messages)
	r.messages = append(r.messages, m)
}

// Complete reports whether the terminal sentinel has been applied.
func (r *Reassembler) Complete() bool {
	return r.done
}

// UserMessage returns a copy of the message delivered as the stream's
// user_message event, whatever its role, or nil if none arrived.
func (r *Reassembler) UserMessage() *store.Message {
	if r.user == nil {
		return nil
	}
	return r.user.Clone()
}

// Dropped returns how many events were discarded.
func (r *Reassembler) Dropped() int {
	return r.dropped
}

// LastSequence returns the highest sequence seen, for catch-up reads.
func (r *Reassembler) LastSequence() int64 {
	var last int64
	for _, m := range r.messages {
		if m.Sequence > last {
			last = m.Sequence
		}
	}
	return last
}

// Messages returns copies of the messages in the order they were applied.
func (r *Reassembler) Messages() []*store.Message {
	out := make([]*store.Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Clone()
	}
	return out
}
