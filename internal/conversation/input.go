// ABOUTME: Validation and defaults for messages submitted by clients
// ABOUTME: Role, type and format default to USER, CHAT and TEXT

package conversation

import (
	"strings"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/store"
)

// MessageInput is a message submitted by a client.
type MessageInput struct {
	Content  string            `json:"content"`
	Role     store.Role        `json:"role,omitempty"`
	Type     store.MessageType `json:"type,omitempty"`
	Format   store.Format      `json:"format,omitempty"`
	Sequence *int64            `json:"sequence,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

func (in *MessageInput) normalize() error {
	if strings.TrimSpace(in.Content) == "" {
		return apperr.Validation("content is required")
	}

	if in.Role == "" {
		in.Role = store.RoleUser
	}
	if in.Type == "" {
		in.Type = store.MessageTypeChat
	}
	if in.Format == "" {
		in.Format = store.FormatText
	}

	if !in.Role.Valid() {
		return apperr.Validation("role %q is invalid", in.Role)
	}
	if !in.Type.Valid() {
		return apperr.Validation("type %q is invalid", in.Type)
	}
	if !in.Format.Valid() {
		return apperr.Validation("format %q is invalid", in.Format)
	}
	if in.Sequence != nil && *in.Sequence < 1 {
		return apperr.Validation("sequence must be at least 1")
	}
	return nil
}
