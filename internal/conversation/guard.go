// ABOUTME: Ownership check run before any conversation read or mutation
// ABOUTME: Missing conversations are NotFound; someone else's are Forbidden

package conversation

import (
	"context"
	"fmt"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/store"
)

// Guard authorizes a principal against a conversation.
type Guard struct {
	store store.ConversationStore
}

// NewGuard creates a Guard over the given store.
func NewGuard(s store.ConversationStore) *Guard {
	return &Guard{store: s}
}

// Authorize loads the conversation and confirms principalID owns it.
func (g *Guard) Authorize(ctx context.Context, principalID, conversationID string) (*store.Conversation, error) {
	if principalID == "" {
		return nil, apperr.Unauthorized("no principal")
	}

	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if conv.OwnerID != principalID {
		return nil, fmt.Errorf("%w: conversation %s", apperr.ErrForbidden, conversationID)
	}
	return conv, nil
}
