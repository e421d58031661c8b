// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/apperr"
)

// MockStore is an in-memory Store implementation for testing.
// It enforces the same uniqueness and atomicity rules as SQLiteStore.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, ascending sequence

	// AppendErr, when set, is returned by Append and AppendBatch instead of storing.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; ok {
		return apperr.Conflict("conversation %s already exists", conv.ID)
	}

	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation %s", id)
	}

	result := *c
	return &result, nil
}

// ListConversations returns a page of the owner's conversations.
func (m *MockStore) ListConversations(ctx context.Context, ownerID string, page, limit int) ([]*Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var owned []*Conversation
	for _, c := range m.conversations {
		if c.OwnerID == ownerID {
			cp := *c
			owned = append(owned, &cp)
		}
	}

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].UpdatedAt.Equal(owned[j].UpdatedAt) {
			return owned[i].ID < owned[j].ID
		}
		return owned[i].UpdatedAt.After(owned[j].UpdatedAt)
	})

	total := len(owned)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return owned[start:end], total, nil
}

// UpdateConversation replaces title and updated_at.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conv.ID]
	if !ok {
		return apperr.NotFound("conversation %s", conv.ID)
	}
	c.Title = conv.Title
	c.UpdatedAt = conv.UpdatedAt
	return nil
}

// TouchConversation bumps updated_at.
func (m *MockStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return apperr.NotFound("conversation %s", id)
	}
	c.UpdatedAt = at
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return apperr.NotFound("conversation %s", id)
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// Append stores one message.
func (m *MockStore) Append(ctx context.Context, msg *Message) error {
	return m.AppendBatch(ctx, msg.ConversationID, []*Message{msg})
}

// AppendBatch stores msgs all-or-nothing.
func (m *MockStore) AppendBatch(ctx context.Context, conversationID string, msgs []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if len(msgs) == 0 {
		return nil
	}
	if _, ok := m.conversations[conversationID]; !ok {
		return apperr.NotFound("conversation %s", conversationID)
	}

	existing := m.messages[conversationID]
	taken := make(map[int64]bool, len(existing)+len(msgs))
	for _, e := range existing {
		taken[e.Sequence] = true
	}

	// Validate the whole batch before mutating anything.
	for _, msg := range msgs {
		if msg.ConversationID != conversationID {
			return fmt.Errorf("message %s belongs to %s, not %s", msg.ID, msg.ConversationID, conversationID)
		}
		if taken[msg.Sequence] {
			return apperr.Conflict("sequence %d already used in conversation %s", msg.Sequence, conversationID)
		}
		taken[msg.Sequence] = true
	}

	for _, msg := range msgs {
		existing = append(existing, msg.Clone())
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].Sequence < existing[j].Sequence })
	m.messages[conversationID] = existing
	return nil
}

// ListOrdered returns copies of messages after afterSequence.
func (m *MockStore) ListOrdered(ctx context.Context, conversationID string, afterSequence int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.Sequence > afterSequence {
			result = append(result, msg.Clone())
		}
	}
	return result, nil
}

// LatestSequence returns the highest stored sequence.
func (m *MockStore) LatestSequence(ctx context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Sequence, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
