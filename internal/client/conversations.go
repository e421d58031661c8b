// ABOUTME: Conversation CRUD and history reads for the HTTP client
// ABOUTME: Messages with an after cursor is the catch-up read used after a dropped stream

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/2389/coven-chat/internal/store"
)

// Detail is a conversation with its ordered messages.
type Detail struct {
	store.Conversation
	Messages []*store.Message `json:"messages"`
}

func conversationPath(id string) string {
	return "/api/conversations/" + url.PathEscape(id)
}

// CreateConversation creates a conversation. A nil title lets the server
// derive one from the first message.
func (c *Client) CreateConversation(ctx context.Context, title *string) (*store.Conversation, error) {
	var conv store.Conversation
	if _, err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]*string{"title": title}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns one page of the caller's conversations.
func (c *Client) ListConversations(ctx context.Context, page, limit int) ([]*store.Conversation, *Pagination, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var convs []*store.Conversation
	p, err := c.do(ctx, http.MethodGet, "/api/conversations?"+q.Encode(), nil, &convs)
	if err != nil {
		return nil, nil, err
	}
	return convs, p, nil
}

// GetConversation returns a conversation and all of its messages.
func (c *Client) GetConversation(ctx context.Context, id string) (*Detail, error) {
	var d Detail
	if _, err := c.do(ctx, http.MethodGet, conversationPath(id), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// RenameConversation sets a conversation's title.
func (c *Client) RenameConversation(ctx context.Context, id, title string) (*store.Conversation, error) {
	var conv store.Conversation
	if _, err := c.do(ctx, http.MethodPatch, conversationPath(id), map[string]string{"title": title}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, conversationPath(id), nil, nil)
	return err
}

// Messages returns the stored messages with a sequence greater than after.
func (c *Client) Messages(ctx context.Context, id string, after int64) ([]*store.Message, error) {
	path := fmt.Sprintf("%s/messages?after=%d", conversationPath(id), after)
	var msgs []*store.Message
	if _, err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
