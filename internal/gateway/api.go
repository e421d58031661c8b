// ABOUTME: HTTP API handlers for conversations, message history, sending and watching
// ABOUTME: Sends stream the reply as server-sent events or answer once with the final message

package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/coven-chat/internal/apperr"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/render"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
)

const (
	defaultPageLimit = 20

	// IdempotencyKeyHeader lets a client make a send safe to retry.
	IdempotencyKeyHeader = "Idempotency-Key"

	watchKeepalive = 15 * time.Second
)

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	Title *string `json:"title,omitempty"`
}

// UpdateConversationRequest is the JSON body for PATCH /api/conversations/{id}.
type UpdateConversationRequest struct {
	Title *string `json:"title"`
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", defaultPageLimit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	result, err := g.conversation.List(r.Context(), auth.PrincipalID(r.Context()), page, limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.writeEnvelope(w, http.StatusOK, Envelope{
		Success: true,
		Data:    result.Items,
		Pagination: &Pagination{
			Page:       result.Page,
			Limit:      result.Limit,
			Total:      result.Total,
			TotalPages: result.TotalPages,
		},
	})
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		g.writeError(w, r, err)
		return
	}

	conv, err := g.conversation.Create(r.Context(), auth.PrincipalID(r.Context()), req.Title)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, conv)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	detail, err := g.conversation.Get(r.Context(), auth.PrincipalID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, detail)
}

// handleUpdateConversation handles PATCH /api/conversations/{id}.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req UpdateConversationRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Title == nil {
		g.writeError(w, r, apperr.Validation("title is required"))
		return
	}

	conv, err := g.conversation.UpdateTitle(r.Context(), auth.PrincipalID(r.Context()), mux.Vars(r)["id"], *req.Title)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.Delete(r.Context(), auth.PrincipalID(r.Context()), mux.Vars(r)["id"]); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeEnvelope(w, http.StatusOK, Envelope{Success: true})
}

// handleListMessages handles GET /api/conversations/{id}/messages.
// ?after=N returns only messages with a greater sequence; ?render=html adds
// rendered HTML to MARKDOWN messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	after, err := intParam(r, "after", 0)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	msgs, err := g.conversation.Messages(r.Context(), auth.PrincipalID(r.Context()), mux.Vars(r)["id"], int64(after))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("render") == "html" {
		g.writeJSON(w, http.StatusOK, render.Messages(msgs))
		return
	}
	g.writeJSON(w, http.StatusOK, msgs)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
//
// Everything that can be rejected (auth, validation, idempotency, the
// per-conversation lock) is checked before the first byte is written, so
// those failures are ordinary JSON errors. Once the stream has started,
// failures end it without the [DONE] sentinel.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principalID := auth.PrincipalID(ctx)
	conversationID := mux.Vars(r)["id"]

	var in conversation.MessageInput
	if err := decodeBody(w, r, &in, false); err != nil {
		g.writeError(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key != "" && g.dedupe != nil {
		if !g.dedupe.Claim(principalID, key) {
			g.writeError(w, r, apperr.Conflict("idempotency key %q was already used", key))
			return
		}
	}

	st, err := g.conversation.StartStream(ctx, principalID, conversationID, in)
	if err != nil {
		if key != "" && g.dedupe != nil {
			g.dedupe.Release(principalID, key)
		}
		g.writeError(w, r, err)
		return
	}

	if !wantsStream(r) {
		outcome, err := st.Run(ctx, conversation.DiscardFrames)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusCreated, &conversation.SendResult{
			RunID:            outcome.RunID,
			UserMessage:      outcome.UserMessage,
			AssistantMessage: outcome.AssistantMessage(),
			Messages:         outcome.Messages,
		})
		return
	}

	sse := startSSE(w)
	outcome, err := st.Run(ctx, sse)
	if err != nil {
		// Headers are gone; the missing sentinel tells the client it failed.
		g.logger.Warn("stream ended without completing",
			"conversation_id", conversationID,
			"run_id", st.RunID(),
			"error", err)
		return
	}
	if outcome.Disconnected {
		g.logger.Info("client left before the end of the stream; reply was stored",
			"conversation_id", conversationID,
			"run_id", outcome.RunID)
	}
}

// handleWatch handles GET /api/conversations/{id}/watch. It streams every
// message persisted in the conversation from now on. With ?after=N the
// stored messages after N are replayed first, without gaps or repeats.
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	principalID := auth.PrincipalID(ctx)
	conversationID := mux.Vars(r)["id"]

	after, err := intParam(r, "after", -1)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	live, err := g.conversation.Watch(ctx, principalID, conversationID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	var backlog []*store.Message
	if after >= 0 {
		backlog, err = g.conversation.Messages(ctx, principalID, conversationID, int64(after))
		if err != nil {
			g.writeError(w, r, err)
			return
		}
	}

	sse := startSSE(w)
	last := int64(after)
	for _, m := range backlog {
		if err := sse.WriteEvent(watchEvent(m)); err != nil {
			return
		}
		last = m.Sequence
	}

	ticker := time.NewTicker(watchKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.comment("keepalive"); err != nil {
				return
			}
		case m, ok := <-live:
			if !ok {
				return
			}
			if m.Sequence <= last {
				continue
			}
			if err := sse.WriteEvent(watchEvent(m)); err != nil {
				return
			}
			last = m.Sequence
		}
	}
}

// watchEvent frames a persisted message for watchers. Messages a client
// sent carry no run id; everything generated does.
func watchEvent(m *store.Message) stream.Event {
	if m.AgentRunID == nil {
		return stream.UserMessage{Message: m}
	}
	return stream.AgentMessage{Message: m}
}

// wantsStream reports whether the client asked for server-sent events.
func wantsStream(r *http.Request) bool {
	if v := r.URL.Query().Get("stream"); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// intParam parses an integer query parameter, returning def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return n, nil
}
