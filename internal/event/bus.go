package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/runchat/internal/logging"
)

// Topic is the watermill topic all events are published on.
const Topic = "runchat.events"

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 256

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Bus is the event bus that manages pub/sub using watermill.
type Bus struct {
	mu     sync.RWMutex
	pubsub *gochannel.GoChannel
	closed bool

	closedCtx    context.Context
	closedCancel context.CancelFunc
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: subscriberBuffer,
				// Waiting for the ack keeps per-subscriber delivery in publish order.
				BlockPublishUntilSubscriberAck: true,
			},
			NewLoggerAdapter(logging.Component("event")),
		),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

// Publish sends an event to all current subscribers.
func (b *Bus) Publish(e Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(e.Type))
	msg.Metadata.Set("session", e.SessionID)
	return b.pubsub.Publish(Topic, msg)
}

// Subscribe returns a channel receiving every event published after the call.
// The channel is closed when ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(subCtx, Topic)
	b.mu.RUnlock()
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case <-b.closedCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				err := json.Unmarshal(msg.Payload, &e)
				msg.Ack()
				if err != nil {
					logging.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable event")
					continue
				}
				select {
				case out <- e:
				case <-subCtx.Done():
					return
				case <-b.closedCtx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the bus and all its subscriptions.
func (b *Bus) Close() error {
	// Release forwarders first so a blocked Publish can finish.
	b.closedCancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel for advanced use cases.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
