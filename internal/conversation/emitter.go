// ABOUTME: Stream emitter: relays generator output to the client as frames and persists the reply
// ABOUTME: Frames are written as events arrive; the reply is stored as one batch before the sentinel

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/generator"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/sequence"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
)

// FrameWriter delivers events to one client, flushing each before returning.
type FrameWriter interface {
	WriteEvent(ev stream.Event) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(ev stream.Event) error

// WriteEvent calls f(ev).
func (f FrameWriterFunc) WriteEvent(ev stream.Event) error {
	return f(ev)
}

// DiscardFrames drops every event. Used for non-streaming sends.
var DiscardFrames FrameWriter = FrameWriterFunc(func(stream.Event) error { return nil })

// Stream is a send whose user message is stored and whose reply has not
// been generated yet.
type Stream struct {
	svc         *Service
	lease       *sequence.Lease
	principalID string
	user        *store.Message
	history     []*store.Message
	runID       string
	once        sync.Once
}

// UserMessage returns the stored user message that opened this turn.
func (st *Stream) UserMessage() *store.Message {
	return st.user
}

// RunID returns the id stamped as agentRunId on generated messages.
func (st *Stream) RunID() string {
	return st.runID
}

// Abandon releases the conversation without generating a reply.
func (st *Stream) Abandon() {
	st.once.Do(st.finish)
}

// finish releases the conversation and stops counting the send as running.
func (st *Stream) finish() {
	st.lease.Release()
	st.svc.runs.Done()
}

// Outcome describes a finished run.
type Outcome struct {
	RunID        string
	UserMessage  *store.Message
	Messages     []*store.Message // generated messages, ascending sequence
	Disconnected bool             // the client went away before the end
}

// AssistantMessage returns the last assistant chat message, or nil.
func (o *Outcome) AssistantMessage() *store.Message {
	for i := len(o.Messages) - 1; i >= 0; i-- {
		m := o.Messages[i]
		if m.Role == store.RoleAssistant && m.Type == store.MessageTypeChat {
			return m
		}
	}
	return nil
}

// Run generates the reply, writing frames to w as events arrive.
//
// Generation runs on a context detached from ctx and bounded by the
// configured timeout, so a client that disconnects does not stop it; frame
// writes simply become no-ops. Closing the service interrupts generation
// the same way a timeout does. The reply is persisted before the sentinel.
// On generation failure or timeout whatever was produced is persisted,
// marked incomplete, and the stream ends without a sentinel.
func (st *Stream) Run(ctx context.Context, w FrameWriter) (*Outcome, error) {
	first := false
	st.once.Do(func() { first = true })
	if !first {
		return nil, errors.New("stream already run or abandoned")
	}
	defer st.finish()

	s := st.svc
	logger := s.logger.With("conversation_id", st.user.ConversationID, "run_id", st.runID)
	started := time.Now()
	s.metrics.StreamStarted()

	sink := &frameSink{ctx: ctx, w: w, logger: logger, metrics: s.metrics}
	sink.write(stream.UserMessage{Message: st.user})

	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.GenerationTimeout)
	defer cancel()
	stopGeneration := context.AfterFunc(s.stopCtx, cancel)
	defer stopGeneration()

	em := &emitter{
		st:      st,
		sink:    sink,
		open:    make(map[string]*store.Message),
		logger:  logger,
		metrics: s.metrics,
		now:     s.now,
	}
	genErr := em.consume(genCtx, s.gen, s.opts.GenerationTimeout)
	cancel()

	outcome := &Outcome{
		RunID:       st.runID,
		UserMessage: st.user,
		Messages:    em.produced,
	}

	if genErr != nil {
		markIncomplete(em.produced, apperr.KindOf(genErr))
	}

	if err := s.persistReply(ctx, st.user.ConversationID, em.produced); err != nil {
		outcome.Disconnected = sink.broken
		logger.Error("failed to persist reply", "error", err, "messages", len(em.produced))
		s.metrics.PersistFailed()
		s.metrics.StreamFinished(metrics.OutcomePersistFail, time.Since(started))
		return outcome, fmt.Errorf("persisting reply: %w", err)
	}

	if genErr != nil {
		outcome.Disconnected = sink.broken
		label := metrics.OutcomeFailed
		if apperr.KindOf(genErr) == apperr.KindTimeout {
			label = metrics.OutcomeTimeout
		}
		logger.Error("generation ended early", "error", genErr, "persisted", len(em.produced))
		s.metrics.StreamFinished(label, time.Since(started))
		return outcome, genErr
	}

	sink.write(stream.Done{})
	outcome.Disconnected = sink.broken
	s.metrics.StreamFinished(metrics.OutcomeCompleted, time.Since(started))

	logger.Info("reply completed",
		"messages", len(em.produced),
		"disconnected", sink.broken,
		"duration", time.Since(started))
	return outcome, nil
}

// persistReply stores the generated batch on its own short-lived context so
// a disconnected client cannot abort it, then fans it out to watchers.
func (s *Service) persistReply(ctx context.Context, conversationID string, msgs []*store.Message) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancel()

	if len(msgs) > 0 {
		if err := s.store.AppendBatch(persistCtx, conversationID, msgs); err != nil {
			return err
		}
		s.broadcaster.Publish(conversationID, msgs...)
	}

	if err := s.store.TouchConversation(persistCtx, conversationID, s.now()); err != nil {
		s.logger.Warn("failed to touch conversation", "error", err, "conversation_id", conversationID)
	}
	return nil
}

func markIncomplete(msgs []*store.Message, kind apperr.Kind) {
	for _, m := range msgs {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, 2)
		}
		m.Metadata["incomplete"] = true
		m.Metadata["error"] = string(kind)
	}
}

// frameSink forwards events to the client until the first failure, after
// which every write is a no-op.
type frameSink struct {
	ctx     context.Context
	w       FrameWriter
	broken  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (f *frameSink) write(ev stream.Event) {
	if f.broken {
		return
	}
	if err := f.ctx.Err(); err != nil {
		f.disconnect(err)
		return
	}
	if err := f.w.WriteEvent(ev); err != nil {
		f.disconnect(err)
		return
	}
	f.metrics.FrameWritten()
}

func (f *frameSink) disconnect(err error) {
	f.broken = true
	f.metrics.ClientDisconnected()
	f.logger.Info("client disconnected, continuing without frames", "error", err)
}

// emitter turns generator replies into messages and frames.
type emitter struct {
	st       *Stream
	sink     *frameSink
	produced []*store.Message
	open     map[string]*store.Message // generator key -> streamed message
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// consume reads replies until the generator finishes, fails or times out.
func (e *emitter) consume(ctx context.Context, gen generator.Generator, timeout time.Duration) error {
	replies, err := gen.Generate(ctx, &generator.Request{
		ConversationID: e.st.user.ConversationID,
		PrincipalID:    e.st.principalID,
		RunID:          e.st.runID,
		Trigger:        e.st.user,
		History:        e.st.history,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrGenerationFailure, err)
	}

	for {
		select {
		case r, ok := <-replies:
			if !ok {
				// Generators close their channel when ctx ends.
				if ctx.Err() != nil {
					return interrupted(ctx, timeout)
				}
				return nil
			}
			if r == nil {
				continue
			}
			if r.Kind == generator.KindError {
				go drain(replies)
				return fmt.Errorf("%w: %v", apperr.ErrGenerationFailure, r.Err)
			}
			e.apply(r)

		case <-ctx.Done():
			go drain(replies)
			return interrupted(ctx, timeout)
		}
	}
}

// interrupted describes why generation ended before the generator did.
func interrupted(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", apperr.ErrTimeout, timeout)
	}
	return fmt.Errorf("%w: interrupted by shutdown", apperr.ErrGenerationFailure)
}

func drain(ch <-chan *generator.Reply) {
	for range ch {
	}
}

func (e *emitter) apply(r *generator.Reply) {
	switch r.Kind {
	case generator.KindToolCall:
		if r.ToolCall == nil {
			e.malformed(r)
			return
		}
		content, err := json.Marshal(map[string]any{
			"name":  r.ToolCall.Name,
			"input": rawOrString(r.ToolCall.InputJSON),
		})
		if err != nil {
			e.logger.Error("encoding tool call", "error", err)
			return
		}
		m := e.newMessage(store.RoleAssistant, store.MessageTypeToolCall, store.FormatJSON, string(content))
		id := r.ToolCall.ID
		m.ToolCallID = &id
		e.sink.write(stream.AgentMessage{Message: m.Clone()})

	case generator.KindToolResult:
		if r.ToolResult == nil {
			e.malformed(r)
			return
		}
		content, err := json.Marshal(rawOrString(r.ToolResult.Output))
		if err != nil {
			e.logger.Error("encoding tool result", "error", err)
			return
		}
		m := e.newMessage(store.RoleTool, store.MessageTypeToolResult, store.FormatJSON, string(content))
		id := r.ToolResult.CallID
		m.ToolCallID = &id
		if r.ToolResult.IsError {
			m.Metadata = map[string]any{"isError": true}
		}
		e.sink.write(stream.AgentMessage{Message: m.Clone()})

	case generator.KindMessage:
		if r.Message == nil {
			e.malformed(r)
			return
		}
		m := e.newMessage(store.RoleAssistant, store.MessageTypeChat, formatOr(r.Message.Format), r.Message.Content)
		e.sink.write(stream.AgentMessage{Message: m.Clone()})

	case generator.KindMessageStart:
		if r.Message == nil {
			e.malformed(r)
			return
		}
		if _, dup := e.open[r.Message.Key]; dup {
			e.logger.Warn("ignoring second start for message key", "key", r.Message.Key)
			return
		}
		m := e.newMessage(store.RoleAssistant, store.MessageTypeChat, formatOr(r.Message.Format), "")
		e.open[r.Message.Key] = m
		e.sink.write(stream.AgentMessageStart{Message: m.Clone()})

	case generator.KindMessageDelta:
		if r.Delta == nil {
			e.malformed(r)
			return
		}
		m, ok := e.open[r.Delta.Key]
		if !ok {
			e.metrics.DeltaDropped()
			e.logger.Warn("dropping delta for unknown message key", "key", r.Delta.Key)
			return
		}
		m.Content += r.Delta.Text
		e.sink.write(stream.AgentMessageChunk{MessageID: m.ID, Delta: r.Delta.Text})

	default:
		e.malformed(r)
	}
}

// newMessage creates the next generated message, reserving its sequence.
func (e *emitter) newMessage(role store.Role, typ store.MessageType, format store.Format, content string) *store.Message {
	runID := e.st.runID
	m := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: e.st.user.ConversationID,
		Sequence:       e.st.lease.Next(),
		Role:           role,
		Type:           typ,
		Content:        content,
		Format:         format,
		AgentRunID:     &runID,
		CreatedAt:      e.now(),
	}
	e.produced = append(e.produced, m)
	return m
}

func (e *emitter) malformed(r *generator.Reply) {
	e.logger.Warn("ignoring malformed generator reply", "kind", r.Kind.String())
}

func formatOr(f store.Format) store.Format {
	if f.Valid() {
		return f
	}
	return store.FormatText
}

// rawOrString embeds s as JSON when it already is JSON, else as a string.
func rawOrString(s string) any {
	if s != "" && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
