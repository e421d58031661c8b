// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"time"

	"github.com/2389/coven-chat/internal/apperr"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = apperr.ErrNotFound

// ErrSequenceTaken is returned when a (conversation, sequence) pair is already stored.
var ErrSequenceTaken = apperr.ErrConflict

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
	RoleTool      Role = "TOOL"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// MessageType classifies the content of a message.
type MessageType string

const (
	MessageTypeChat        MessageType = "CHAT"
	MessageTypeToolCall    MessageType = "TOOL_CALL"
	MessageTypeToolResult  MessageType = "TOOL_RESULT"
	MessageTypeSystemEvent MessageType = "SYSTEM_EVENT"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeChat, MessageTypeToolCall, MessageTypeToolResult, MessageTypeSystemEvent:
		return true
	}
	return false
}

// Format describes how Content should be interpreted.
type Format string

const (
	FormatText     Format = "TEXT"
	FormatJSON     Format = "JSON"
	FormatMarkdown Format = "MARKDOWN"
	FormatStream   Format = "STREAM"
)

// Valid reports whether f is one of the known formats.
func (f Format) Valid() bool {
	switch f {
	case FormatText, FormatJSON, FormatMarkdown, FormatStream:
		return true
	}
	return false
}

// Conversation is a chat owned by exactly one principal.
type Conversation struct {
	ID        string    `json:"id"`
	Title     *string   `json:"title"`
	OwnerID   string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one entry of a conversation. Sequence is the only ordering
// authority; CreatedAt is informational.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Sequence       int64          `json:"sequence"`
	Role           Role           `json:"role"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content"`
	Format         Format         `json:"format"`
	AgentRunID     *string        `json:"agentRunId"`
	ToolCallID     *string        `json:"toolCallId"`
	CreatedAt      time.Time      `json:"createdAt"`
	Metadata       map[string]any `json:"metadata"`
}

// Clone returns a deep enough copy for callers that mutate Content or Metadata.
func (m *Message) Clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ConversationStore holds conversation metadata.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListConversations returns one page of the owner's conversations, most
	// recently updated first, plus the owner's total conversation count.
	ListConversations(ctx context.Context, ownerID string, page, limit int) ([]*Conversation, int, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	// TouchConversation bumps updated_at without changing anything else.
	TouchConversation(ctx context.Context, id string, at time.Time) error
	// DeleteConversation removes the conversation and every message in it.
	DeleteConversation(ctx context.Context, id string) error
}

// MessageStore is the append-only message log keyed by (conversation, sequence).
type MessageStore interface {
	// Append persists one message. Returns ErrNotFound if the conversation is
	// missing and ErrSequenceTaken if the sequence is already used.
	Append(ctx context.Context, msg *Message) error
	// AppendBatch persists every message or none of them.
	AppendBatch(ctx context.Context, conversationID string, msgs []*Message) error
	// ListOrdered returns messages with sequence > afterSequence in ascending order.
	ListOrdered(ctx context.Context, conversationID string, afterSequence int64) ([]*Message, error)
	// LatestSequence returns the highest stored sequence, or 0 for an empty conversation.
	LatestSequence(ctx context.Context, conversationID string) (int64, error)
}

// Store defines the interface for conversation and message persistence.
type Store interface {
	ConversationStore
	MessageStore

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
