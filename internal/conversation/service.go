// ABOUTME: Conversation service: CRUD plus sending a message and streaming the reply
// ABOUTME: Record first, then act - the user message is stored before generation starts

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/generator"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/render"
	"github.com/2389/coven-chat/internal/sequence"
	"github.com/2389/coven-chat/internal/store"
)

const (
	DefaultGenerationTimeout = 2 * time.Minute
	DefaultPersistTimeout    = 5 * time.Second
	DefaultTitleMaxLen       = 60
	MaxTitleLen              = 200
	MaxPageLimit             = 100
)

// Options tunes a Service. Zero values select the defaults above.
type Options struct {
	GenerationTimeout time.Duration
	PersistTimeout    time.Duration
	TitleMaxLen       int
	Metrics           *metrics.Metrics
	Broadcaster       *Broadcaster
}

// Service is the central conversation layer. Every read and write is
// authorized by the Guard before it touches the store.
type Service struct {
	store       store.Store
	guard       *Guard
	seq         *sequence.Sequencer
	gen         generator.Generator
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	opts        Options
	logger      *slog.Logger
	now         func() time.Time

	// Running sends are counted so Close can wait for their replies to be
	// stored. stopCtx is cancelled by Close and cuts generation short.
	mu      sync.Mutex
	closed  bool
	runs    sync.WaitGroup
	stopCtx context.Context
	stop    context.CancelFunc
}

// New creates a conversation service.
func New(st store.Store, gen generator.Generator, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = DefaultGenerationTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.TitleMaxLen <= 0 {
		opts.TitleMaxLen = DefaultTitleMaxLen
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(logger)
	}

	stopCtx, stop := context.WithCancel(context.Background())
	return &Service{
		store:       st,
		guard:       NewGuard(st),
		seq:         sequence.New(st, logger),
		gen:         gen,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		opts:        opts,
		logger:      logger.With("component", "conversation"),
		now:         func() time.Time { return time.Now().UTC() },
		stopCtx:     stopCtx,
		stop:        stop,
	}
}

// Close refuses new sends, interrupts running generations and waits until
// each running send has stored what it produced, or ctx is done. The store
// must stay open until Close returns.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running sends: %w", ctx.Err())
	}
}

// track counts a send as running. It fails once Close has been called.
func (s *Service) track() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.Unavailable("shutting down")
	}
	s.runs.Add(1)
	return nil
}

// Broadcaster returns the broadcaster watch streams subscribe to.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Detail is a conversation together with its ordered messages.
type Detail struct {
	*store.Conversation
	Messages []*store.Message `json:"messages"`
}

// Page is one page of a principal's conversations.
type Page struct {
	Items      []*store.Conversation
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

// Create starts a new conversation owned by principalID.
func (s *Service) Create(ctx context.Context, principalID string, title *string) (*store.Conversation, error) {
	if principalID == "" {
		return nil, apperr.Unauthorized("no principal")
	}

	var normalized *string
	if title != nil {
		t, err := validateTitle(*title)
		if err != nil {
			return nil, err
		}
		normalized = &t
	}

	now := s.now()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		OwnerID:   principalID,
		Title:     normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created", "conversation_id", conv.ID, "owner", principalID)
	return conv, nil
}

// Get returns the conversation and its full ordered history.
func (s *Service) Get(ctx context.Context, principalID, conversationID string) (*Detail, error) {
	conv, err := s.guard.Authorize(ctx, principalID, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.ListOrdered(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return &Detail{Conversation: conv, Messages: msgs}, nil
}

// List returns one page of the principal's conversations, most recently active first.
func (s *Service) List(ctx context.Context, principalID string, page, limit int) (*Page, error) {
	if principalID == "" {
		return nil, apperr.Unauthorized("no principal")
	}
	if page < 1 {
		return nil, apperr.Validation("page must be at least 1")
	}
	if limit < 1 || limit > MaxPageLimit {
		return nil, apperr.Validation("limit must be between 1 and %d", MaxPageLimit)
	}

	items, total, err := s.store.ListConversations(ctx, principalID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if items == nil {
		items = []*store.Conversation{}
	}

	return &Page{
		Items:      items,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(limit))),
	}, nil
}

// UpdateTitle renames a conversation.
func (s *Service) UpdateTitle(ctx context.Context, principalID, conversationID, title string) (*store.Conversation, error) {
	conv, err := s.guard.Authorize(ctx, principalID, conversationID)
	if err != nil {
		return nil, err
	}

	t, err := validateTitle(title)
	if err != nil {
		return nil, err
	}

	conv.Title = &t
	conv.UpdatedAt = s.now()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	return conv, nil
}

// Delete removes a conversation and all of its messages. It holds the
// conversation lock, so it fails with Conflict while a send is in flight and
// no send can start until it returns.
func (s *Service) Delete(ctx context.Context, principalID, conversationID string) error {
	if _, err := s.guard.Authorize(ctx, principalID, conversationID); err != nil {
		return err
	}
	unlock, err := s.seq.Lock(conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	s.logger.Info("conversation deleted", "conversation_id", conversationID)
	return nil
}

// Messages returns the messages after the given sequence, ascending. Clients
// use it to catch up after a dropped stream.
func (s *Service) Messages(ctx context.Context, principalID, conversationID string, after int64) ([]*store.Message, error) {
	if after < 0 {
		return nil, apperr.Validation("after must not be negative")
	}
	if _, err := s.guard.Authorize(ctx, principalID, conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListOrdered(ctx, conversationID, after)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return msgs, nil
}

// Watch subscribes to messages persisted in the conversation from now on.
// The channel closes when ctx is cancelled.
func (s *Service) Watch(ctx context.Context, principalID, conversationID string) (<-chan *store.Message, error) {
	if _, err := s.guard.Authorize(ctx, principalID, conversationID); err != nil {
		return nil, err
	}
	return s.broadcaster.Subscribe(ctx, conversationID)
}

// SendResult is the outcome of a non-streaming send.
type SendResult struct {
	RunID            string           `json:"runId"`
	UserMessage      *store.Message   `json:"userMessage"`
	AssistantMessage *store.Message   `json:"assistantMessage"`
	Messages         []*store.Message `json:"messages"`
}

// SendMessage stores the user message, runs generation to completion and
// returns the final assistant message. The stored result is the same as for
// a streamed send.
func (s *Service) SendMessage(ctx context.Context, principalID, conversationID string, in MessageInput) (*SendResult, error) {
	st, err := s.StartStream(ctx, principalID, conversationID, in)
	if err != nil {
		return nil, err
	}

	outcome, err := st.Run(ctx, DiscardFrames)
	if err != nil {
		return nil, err
	}

	return &SendResult{
		RunID:            outcome.RunID,
		UserMessage:      outcome.UserMessage,
		AssistantMessage: outcome.AssistantMessage(),
		Messages:         outcome.Messages,
	}, nil
}

// StartStream authorizes, validates, locks the conversation and stores the
// user message. Any failure here is returned before a stream exists. On
// success the caller must call Run (or Abandon) exactly once.
func (s *Service) StartStream(ctx context.Context, principalID, conversationID string, in MessageInput) (*Stream, error) {
	conv, err := s.guard.Authorize(ctx, principalID, conversationID)
	if err != nil {
		return nil, err
	}

	if err := in.normalize(); err != nil {
		return nil, err
	}

	if err := s.track(); err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			s.runs.Done()
		}
	}()

	lease, err := s.seq.Begin(ctx, conversationID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			s.metrics.SendConflict()
		}
		return nil, err
	}

	user, err := s.recordUserMessage(ctx, lease, in)
	if err != nil {
		lease.Release()
		if apperr.KindOf(err) == apperr.KindConflict {
			s.metrics.SendConflict()
		}
		return nil, err
	}

	s.broadcaster.Publish(conversationID, user)
	s.afterUserMessage(ctx, conv, user)

	history, err := s.store.ListOrdered(ctx, conversationID, 0)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("loading history: %w", err)
	}

	started = true
	return &Stream{
		svc:         s,
		lease:       lease,
		principalID: principalID,
		user:        user,
		history:     history,
		runID:       uuid.New().String(),
	}, nil
}

// recordUserMessage assigns the user message its sequence and stores it.
// A server-assigned sequence that collides is retried once after re-reading
// the stored maximum; a client-chosen one never is.
func (s *Service) recordUserMessage(ctx context.Context, lease *sequence.Lease, in MessageInput) (*store.Message, error) {
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: lease.ConversationID(),
		Role:           in.Role,
		Type:           in.Type,
		Content:        in.Content,
		Format:         in.Format,
		CreatedAt:      s.now(),
		Metadata:       in.Metadata,
	}

	if in.Sequence != nil {
		if err := lease.Claim(*in.Sequence); err != nil {
			return nil, err
		}
		msg.Sequence = *in.Sequence
		if err := s.store.Append(ctx, msg); err != nil {
			return nil, fmt.Errorf("recording message: %w", err)
		}
		return msg, nil
	}

	msg.Sequence = lease.Next()
	err := s.store.Append(ctx, msg)
	if apperr.KindOf(err) == apperr.KindConflict {
		s.logger.Warn("sequence collision, retrying once",
			"conversation_id", msg.ConversationID,
			"sequence", msg.Sequence)
		if rerr := lease.Refresh(ctx); rerr != nil {
			return nil, rerr
		}
		msg.Sequence = lease.Next()
		err = s.store.Append(ctx, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	s.logger.Debug("user message recorded",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sequence", msg.Sequence)
	return msg, nil
}

// afterUserMessage sets the auto-title or bumps updated_at. Failures are
// logged; the message itself is already stored.
func (s *Service) afterUserMessage(ctx context.Context, conv *store.Conversation, user *store.Message) {
	now := s.now()

	if conv.Title == nil && user.Role == store.RoleUser {
		source := user.Content
		if user.Format == store.FormatMarkdown {
			if plain := render.PlainText(source); plain != "" {
				source = plain
			}
		}
		title := DeriveTitle(source, s.opts.TitleMaxLen)
		conv.Title = &title
		conv.UpdatedAt = now
		if err := s.store.UpdateConversation(ctx, conv); err != nil {
			s.logger.Warn("failed to set title", "error", err, "conversation_id", conv.ID)
		}
		return
	}

	if err := s.store.TouchConversation(ctx, conv.ID, now); err != nil {
		s.logger.Warn("failed to touch conversation", "error", err, "conversation_id", conv.ID)
	}
}

// DeriveTitle turns message content into a one-line title of at most max
// runes, with an ellipsis when shortened.
func DeriveTitle(content string, max int) string {
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) <= max {
		return title
	}
	return strings.TrimRightFunc(string(runes[:max]), unicode.IsSpace) + "…"
}

func validateTitle(title string) (string, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		return "", apperr.Validation("title must not be blank")
	}
	if len([]rune(t)) > MaxTitleLen {
		return "", apperr.Validation("title must be at most %d characters", MaxTitleLen)
	}
	return t, nil
}
