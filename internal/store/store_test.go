// ABOUTME: Behavioural tests shared by every Store implementation
// ABOUTME: Runs the same ordering, uniqueness, atomicity and paging checks on SQLite and MockStore

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/apperr"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s := newTestStore(t)
		defer s.Close()
		fn(t, s)
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

func TestStore_DuplicateSequenceConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := newConversation("conv-dup", "alice")
		require.NoError(t, s.CreateConversation(ctx, conv))
		require.NoError(t, s.Append(ctx, newMessage(conv.ID, 1, "first")))

		dup := newMessage(conv.ID, 1, "second")
		dup.ID = "other-id"
		err := s.Append(ctx, dup)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSequenceTaken))

		msgs, err := s.ListOrdered(ctx, conv.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "first", msgs[0].Content)
	})
}

func TestStore_AppendBatchIsAtomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := newConversation("conv-atomic", "alice")
		require.NoError(t, s.CreateConversation(ctx, conv))
		require.NoError(t, s.Append(ctx, newMessage(conv.ID, 3, "existing")))

		// The last entry collides with sequence 3; nothing from the batch may land.
		batch := []*Message{
			newMessage(conv.ID, 1, "a"),
			newMessage(conv.ID, 2, "b"),
			{
				ID: "collide", ConversationID: conv.ID, Sequence: 3,
				Role: RoleAssistant, Type: MessageTypeChat, Format: FormatText,
				CreatedAt: time.Now().UTC(),
			},
		}
		err := s.AppendBatch(ctx, conv.ID, batch)
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

		msgs, err := s.ListOrdered(ctx, conv.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, int64(3), msgs[0].Sequence)
	})
}

func TestStore_ListOrderedAfterSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := newConversation("conv-after", "alice")
		require.NoError(t, s.CreateConversation(ctx, conv))

		// Insert out of order to prove the read sorts by sequence.
		batch := []*Message{
			newMessage(conv.ID, 2, "two"),
			newMessage(conv.ID, 1, "one"),
			newMessage(conv.ID, 4, "four"),
			newMessage(conv.ID, 3, "three"),
		}
		require.NoError(t, s.AppendBatch(ctx, conv.ID, batch))

		all, err := s.ListOrdered(ctx, conv.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i, m := range all {
			assert.Equal(t, int64(i+1), m.Sequence)
		}

		tail, err := s.ListOrdered(ctx, conv.ID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, "three", tail[0].Content)
		assert.Equal(t, "four", tail[1].Content)

		latest, err := s.LatestSequence(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), latest)
	})
}

func TestStore_LatestSequenceEmpty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		latest, err := s.LatestSequence(context.Background(), "nothing-here")
		require.NoError(t, err)
		assert.Zero(t, latest)
	})
}

func TestStore_DeleteCascadesMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := newConversation("conv-del", "alice")
		require.NoError(t, s.CreateConversation(ctx, conv))
		require.NoError(t, s.Append(ctx, newMessage(conv.ID, 1, "bye")))

		require.NoError(t, s.DeleteConversation(ctx, conv.ID))

		_, err := s.GetConversation(ctx, conv.ID)
		assert.True(t, errors.Is(err, ErrNotFound))

		msgs, err := s.ListOrdered(ctx, conv.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		assert.True(t, errors.Is(s.DeleteConversation(ctx, conv.ID), ErrNotFound))
	})
}

func TestStore_ListConversationsPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		for i := 0; i < 5; i++ {
			conv := newConversation(fmt.Sprintf("conv-%d", i), "alice")
			conv.CreatedAt = base
			conv.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.CreateConversation(ctx, conv))
		}
		require.NoError(t, s.CreateConversation(ctx, newConversation("bob-conv", "bob")))

		page1, total, err := s.ListConversations(ctx, "alice", 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page1, 2)
		assert.Equal(t, "conv-4", page1[0].ID)
		assert.Equal(t, "conv-3", page1[1].ID)

		page3, _, err := s.ListConversations(ctx, "alice", 3, 2)
		require.NoError(t, err)
		require.Len(t, page3, 1)
		assert.Equal(t, "conv-0", page3[0].ID)

		beyond, total, err := s.ListConversations(ctx, "alice", 9, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Empty(t, beyond)
	})
}

func TestStore_TouchReordersListing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		older := newConversation("older", "alice")
		older.UpdatedAt = base
		newer := newConversation("newer", "alice")
		newer.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, s.CreateConversation(ctx, older))
		require.NoError(t, s.CreateConversation(ctx, newer))

		// Sub-second precision must survive storage and ordering.
		require.NoError(t, s.TouchConversation(ctx, "older", base.Add(time.Hour+500*time.Millisecond)))

		list, _, err := s.ListConversations(ctx, "alice", 1, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "older", list[0].ID)

		assert.True(t, errors.Is(s.TouchConversation(ctx, "ghost", base), ErrNotFound))
	})
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	conv := newConversation("conv-copy", "alice")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := newMessage(conv.ID, 1, "original")
	msg.Metadata = map[string]any{"k": "v"}
	require.NoError(t, s.Append(ctx, msg))

	msg.Content = "mutated"
	msg.Metadata["k"] = "changed"

	msgs, err := s.ListOrdered(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "original", msgs[0].Content)
	assert.Equal(t, "v", msgs[0].Metadata["k"])
}

func TestMockStore_AppendErr(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("c", "alice")))

	s.AppendErr = errors.New("disk full")
	assert.EqualError(t, s.Append(ctx, newMessage("c", 1, "x")), "disk full")
}
