// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers schema creation, conversation CRUD, and message ordering/atomicity

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/coven-chat/internal/apperr"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	conv := newConversation("conv-reopen", "alice")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if err := store.Append(ctx, newMessage(conv.ID, 1, "hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	store.Close()

	// Schema creation must be idempotent on an existing database
	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer store.Close()

	latest, err := store.LatestSequence(ctx, conv.ID)
	if err != nil {
		t.Fatalf("LatestSequence failed: %v", err)
	}
	if latest != 1 {
		t.Errorf("latest sequence after reopen: got %d, want 1", latest)
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	title := "Quarterly numbers"
	conv := newConversation("conv-123", "alice")
	conv.Title = &title

	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := store.GetConversation(ctx, "conv-123")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}

	if got.OwnerID != "alice" {
		t.Errorf("OwnerID mismatch: got %q, want %q", got.OwnerID, "alice")
	}
	if got.Title == nil || *got.Title != title {
		t.Errorf("Title mismatch: got %v, want %q", got.Title, title)
	}
	if !got.CreatedAt.Equal(conv.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, conv.CreatedAt)
	}
}

func TestCreateConversation_NullTitle(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateConversation(ctx, newConversation("conv-untitled", "alice")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := store.GetConversation(ctx, "conv-untitled")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Title != nil {
		t.Errorf("expected nil title, got %q", *got.Title)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetConversation(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.UpdateConversation(context.Background(), newConversation("ghost", "alice"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppend_UnknownConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.Append(context.Background(), newMessage("ghost", 1, "hi"))
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListOrdered_IgnoresCreatedAt(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	conv := newConversation("conv-clock", "alice")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// Later sequences carry earlier clocks; order must follow sequence only.
	base := time.Now().UTC()
	for i := int64(1); i <= 5; i++ {
		msg := newMessage(conv.ID, i, fmt.Sprintf("m%d", i))
		msg.CreatedAt = base.Add(-time.Duration(i) * time.Minute)
		if err := store.Append(ctx, msg); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	msgs, err := store.ListOrdered(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("ListOrdered failed: %v", err)
	}
	for i, m := range msgs {
		if m.Sequence != int64(i+1) {
			t.Errorf("position %d: got sequence %d", i, m.Sequence)
		}
	}
}

func TestAppendBatch_MetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	conv := newConversation("conv-meta", "alice")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	runID := "run-1"
	toolID := "call-1"
	msg := newMessage(conv.ID, 1, `{"tool":"search"}`)
	msg.Role = RoleAssistant
	msg.Type = MessageTypeToolCall
	msg.Format = FormatJSON
	msg.AgentRunID = &runID
	msg.ToolCallID = &toolID
	msg.Metadata = map[string]any{"incomplete": true, "error": "timeout"}

	if err := store.AppendBatch(ctx, conv.ID, []*Message{msg}); err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	msgs, err := store.ListOrdered(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("ListOrdered failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	got := msgs[0]
	if got.AgentRunID == nil || *got.AgentRunID != runID {
		t.Errorf("AgentRunID mismatch: got %v", got.AgentRunID)
	}
	if got.ToolCallID == nil || *got.ToolCallID != toolID {
		t.Errorf("ToolCallID mismatch: got %v", got.ToolCallID)
	}
	if got.Metadata["incomplete"] != true || got.Metadata["error"] != "timeout" {
		t.Errorf("metadata mismatch: got %v", got.Metadata)
	}
	if got.Format != FormatJSON || got.Type != MessageTypeToolCall {
		t.Errorf("enum mismatch: got %s/%s", got.Format, got.Type)
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

func newConversation(id, owner string) *Conversation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Conversation{
		ID:        id,
		OwnerID:   owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newMessage(convID string, seq int64, content string) *Message {
	return &Message{
		ID:             fmt.Sprintf("%s-msg-%d", convID, seq),
		ConversationID: convID,
		Sequence:       seq,
		Role:           RoleUser,
		Type:           MessageTypeChat,
		Content:        content,
		Format:         FormatText,
		CreatedAt:      time.Now().UTC(),
	}
}
