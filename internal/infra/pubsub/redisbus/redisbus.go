// Package redisbus adapts state.Backend's Publish/Subscribe primitive to
// watermill's message.Publisher/message.Subscriber contract (§9 "Cross-node
// fan-out"), so the event dispatcher's outbox can hand a message to a
// connection owned by another node without caring whether the backend
// underneath is localstate (in-process fan-out, single process) or redisstate
// (a real Redis PUBLISH/SUBSCRIBE).
package redisbus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/talkrelay/relay/internal/domain/state"
)

// Bus is both a message.Publisher and a message.Subscriber over one
// state.Backend. Topics map 1:1 onto backend channel names, by convention
// "conn:{connectionId}" (§9).
type Bus struct {
	backend state.Backend
}

func New(backend state.Backend) *Bus {
	return &Bus{backend: backend}
}

// Publish implements message.Publisher. Every queued message is marshaled
// to its raw payload and published independently; watermill message
// metadata is not preserved across the wire, since the only consumer on
// the other end is another instance of this same adapter.
func (b *Bus) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if err := b.backend.Publish(msg.Context(), topic, msg.Payload); err != nil {
			return fmt.Errorf("redisbus: publish to %s: %w", topic, err)
		}
	}
	return nil
}

// Close is a no-op: the underlying backend connection is owned and closed
// by whoever constructed it, not by the bus.
func (b *Bus) Close() error { return nil }

// Subscribe implements message.Subscriber, translating backend payloads
// into watermill messages. Acking is left to the consumer and nothing is
// ever redelivered: delivery here is already best-effort (§7).
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	sub, err := b.backend.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("redisbus: subscribe to %s: %w", topic, err)
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.Messages():
				if !ok {
					return
				}
				msg := message.NewMessage(watermill.NewUUID(), payload)
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
