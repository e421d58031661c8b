// ABOUTME: In-process fan-out of persisted messages for watch streams
// ABOUTME: Publishes to a watermill gochannel topic per conversation; slow subscribers drop messages

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/2389/coven-chat/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	topicPrefix = "conversation."
)

// Broadcaster delivers messages to watchers after they are persisted.
// It never blocks the publishing send: a watcher whose buffer is full
// misses messages and must catch up from the store.
type Broadcaster struct {
	pubsub      *gochannel.GoChannel
	subscribers atomic.Int64
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		// Waiting for the ack keeps per-subscriber delivery in publish order.
		// Subscribers ack before forwarding, so the wait is short.
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            subscriberBufferSize,
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NopLogger{}),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for messages of one conversation. The returned channel
// is closed when ctx is cancelled or the broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *store.Message, error) {
	in, err := b.pubsub.Subscribe(ctx, topicPrefix+conversationID)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", conversationID, err)
	}

	out := make(chan *store.Message, subscriberBufferSize)
	b.subscribers.Add(1)
	b.logger.Debug("subscriber added", "conversation_id", conversationID)

	go func() {
		defer func() {
			close(out)
			b.subscribers.Add(-1)
			b.logger.Debug("subscriber removed", "conversation_id", conversationID)
		}()

		for wm := range in {
			var msg store.Message
			err := json.Unmarshal(wm.Payload, &msg)
			wm.Ack()
			if err != nil {
				b.logger.Error("decoding broadcast message", "error", err, "conversation_id", conversationID)
				continue
			}

			select {
			case out <- &msg:
			default:
				b.logger.Debug("dropped message for slow subscriber",
					"conversation_id", conversationID,
					"message_id", msg.ID)
			}
		}
	}()

	return out, nil
}

// Publish sends msgs, in order, to every current subscriber of the conversation.
func (b *Broadcaster) Publish(conversationID string, msgs ...*store.Message) {
	if len(msgs) == 0 || b.subscribers.Load() == 0 {
		return
	}

	wms := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			b.logger.Error("encoding broadcast message", "error", err, "message_id", m.ID)
			continue
		}
		wms = append(wms, message.NewMessage(watermill.NewUUID(), payload))
	}

	if err := b.pubsub.Publish(topicPrefix+conversationID, wms...); err != nil {
		b.logger.Warn("publish failed", "error", err, "conversation_id", conversationID)
	}
}

// Subscribers returns the number of open subscriptions across all conversations.
func (b *Broadcaster) Subscribers() int {
	return int(b.subscribers.Load())
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() error {
	b.logger.Debug("broadcaster closed")
	return b.pubsub.Close()
}
