// ABOUTME: Per-conversation sequence assignment for message ordering
// ABOUTME: A lock table gives one send at a time exclusive use of a conversation's sequence space

package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-chat/internal/apperr"
)

// LatestReader reports the highest persisted sequence of a conversation.
// store.Store satisfies it.
type LatestReader interface {
	LatestSequence(ctx context.Context, conversationID string) (int64, error)
}

// Locks is a try-lock table keyed by conversation ID.
// Different conversations never contend with each other.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for conversationID without blocking.
// Returns a Conflict error if a send already holds it. The returned release
// func is safe to call more than once.
func (l *Locks) TryAcquire(conversationID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[conversationID]; busy {
		return nil, apperr.Conflict("a send is already in progress for conversation %s", conversationID)
	}
	l.held[conversationID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, conversationID)
			l.mu.Unlock()
		})
	}, nil
}

// Sequencer hands out leases over a conversation's sequence space.
type Sequencer struct {
	locks  *Locks
	store  LatestReader
	logger *slog.Logger
}

// New creates a Sequencer that seeds leases from store.
func New(store LatestReader, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		locks:  NewLocks(),
		store:  store,
		logger: logger.With("component", "sequencer"),
	}
}

// Begin locks the conversation and reads its latest stored sequence.
// The caller must Release the lease when the send finishes.
func (s *Sequencer) Begin(ctx context.Context, conversationID string) (*Lease, error) {
	release, err := s.locks.TryAcquire(conversationID)
	if err != nil {
		return nil, err
	}

	latest, err := s.store.LatestSequence(ctx, conversationID)
	if err != nil {
		release()
		return nil, fmt.Errorf("reading latest sequence: %w", err)
	}

	s.logger.Debug("lease acquired", "conversation_id", conversationID, "latest", latest)
	return &Lease{
		conversationID: conversationID,
		store:          s.store,
		last:           latest,
		release:        release,
	}, nil
}

// Lock takes the conversation without reading its sequence, for operations
// that must not overlap a send, such as deletion. It fails with Conflict
// while a send or another Lock holds the conversation.
func (s *Sequencer) Lock(conversationID string) (func(), error) {
	return s.locks.TryAcquire(conversationID)
}

// Lease is the exclusive right to assign sequences in one conversation.
// Values handed out are contiguous and strictly greater than anything
// stored when the lease began.
type Lease struct {
	conversationID string
	store          LatestReader

	mu      sync.Mutex
	last    int64
	release func()
}

// ConversationID returns the conversation this lease covers.
func (l *Lease) ConversationID() string {
	return l.conversationID
}

// Next returns the next sequence value.
func (l *Lease) Next() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last++
	return l.last
}

// Claim accepts a client-chosen sequence. It must be strictly greater than
// every value already stored or assigned.
func (l *Lease) Claim(seq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq <= l.last {
		return apperr.Conflict("sequence %d is not after %d in conversation %s", seq, l.last, l.conversationID)
	}
	l.last = seq
	return nil
}

// Last returns the highest value assigned or observed so far.
func (l *Lease) Last() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Refresh re-reads the stored maximum and restarts assignment after it.
func (l *Lease) Refresh(ctx context.Context) error {
	latest, err := l.store.LatestSequence(ctx, l.conversationID)
	if err != nil {
		return fmt.Errorf("refreshing latest sequence: %w", err)
	}
	l.mu.Lock()
	l.last = latest
	l.mu.Unlock()
	return nil
}

// Release unlocks the conversation. Safe to call more than once.
func (l *Lease) Release() {
	l.release()
}
