// ABOUTME: Tests for the watermill-backed Broadcaster
// ABOUTME: Covers fan-out, per-conversation isolation, ordering and cancellation cleanup

package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func makeMessage(id, convID string, seq int64) *store.Message {
	return &store.Message{
		ID:             id,
		ConversationID: convID,
		Sequence:       seq,
		Role:           store.RoleAssistant,
		Type:           store.MessageTypeChat,
		Content:        "hello from " + id,
		Format:         store.FormatText,
		CreatedAt:      time.Now().UTC(),
	}
}

func receive(t *testing.T, ch <-chan *store.Message) *store.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameMessage(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, err := b.Subscribe(t.Context(), "conv-1")
	require.NoError(t, err)
	ch2, err := b.Subscribe(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Subscribers())

	b.Publish("conv-1", makeMessage("m1", "conv-1", 1))

	assert.Equal(t, "m1", receive(t, ch1).ID)
	assert.Equal(t, "m1", receive(t, ch2).ID)
}

func TestBroadcaster_ConversationsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	other, err := b.Subscribe(t.Context(), "conv-2")
	require.NoError(t, err)
	mine, err := b.Subscribe(t.Context(), "conv-1")
	require.NoError(t, err)

	b.Publish("conv-1", makeMessage("m1", "conv-1", 1))
	assert.Equal(t, "m1", receive(t, mine).ID)

	select {
	case m := <-other:
		t.Fatalf("unexpected message on other conversation: %s", m.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_PreservesOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, err := b.Subscribe(t.Context(), "conv-1")
	require.NoError(t, err)

	var batch []*store.Message
	for i := 1; i <= 10; i++ {
		batch = append(batch, makeMessage(fmt.Sprintf("m%d", i), "conv-1", int64(i)))
	}
	b.Publish("conv-1", batch...)

	for i := 1; i <= 10; i++ {
		assert.Equal(t, int64(i), receive(t, ch).Sequence)
	}
}

func TestBroadcaster_CancelClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	assert.NotPanics(t, func() {
		b.Publish("nobody", makeMessage("m1", "nobody", 1))
		b.Publish("nobody")
	})
}
