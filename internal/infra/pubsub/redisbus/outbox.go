package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/talkrelay/relay/internal/domain/protocol"
)

// channelFor is the cross-node fan-out channel naming convention (§9): one
// channel per connection, so a node only ever receives the events destined
// for connections it locally owns, instead of a global firehose every node
// must filter.
func channelFor(connectionID string) string { return "conn:" + connectionID }

// CrossNodeOutbox adapts Bus into the shape internal/transport/ws.Hub wants
// for reaching a connection owned by a different node: Publish/Close
// mirror dispatcher.Outbox, and Listen lets a node subscribe to events
// addressed to a connection it has just accepted locally.
type CrossNodeOutbox struct {
	bus *Bus
}

func NewCrossNodeOutbox(bus *Bus) *CrossNodeOutbox {
	return &CrossNodeOutbox{bus: bus}
}

func (o *CrossNodeOutbox) Publish(ctx context.Context, connectionID string, ev protocol.OutEnvelope) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redisbus: marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return o.bus.Publish(channelFor(connectionID), msg)
}

func (o *CrossNodeOutbox) Close(ctx context.Context, connectionID, reason string) error {
	return o.Publish(ctx, connectionID, protocol.Out(protocol.EventError, protocol.ErrorData{Message: reason}))
}

// Listen subscribes to the channel for a connection this node now owns
// locally, translating published payloads back into envelopes. The
// returned cancel func must be called once the connection closes.
func (o *CrossNodeOutbox) Listen(ctx context.Context, connectionID string) (<-chan protocol.OutEnvelope, func(), error) {
	listenCtx, cancelListen := context.WithCancel(ctx)
	messages, err := o.bus.Subscribe(listenCtx, channelFor(connectionID))
	if err != nil {
		cancelListen()
		return nil, nil, fmt.Errorf("redisbus: listen on %s: %w", connectionID, err)
	}

	out := make(chan protocol.OutEnvelope)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev protocol.OutEnvelope
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-listenCtx.Done():
				return
			}
		}
	}()

	return out, cancelListen, nil
}
