package sync

import (
	"context"
)

// Publisher is the external pub/sub bus the engine fans updates out on.
// Concrete transports are injected at construction.
type Publisher interface {
	// Publish sends one message to the user's channel.
	Publish(ctx context.Context, msg *Message) error

	// PublishBatch sends several messages, preserving order.
	PublishBatch(ctx context.Context, msgs []*Message) error

	// Flush blocks until buffered messages are on the wire.
	Flush(ctx context.Context) error

	// Subscribe opens the per-user channel. The returned channel is closed
	// when the subscription ends.
	Subscribe(ctx context.Context, userID string) (<-chan *Message, error)

	// Unsubscribe closes the per-user channel.
	Unsubscribe(userID string) error
}

// Delivery pushes a bus message to a user's live connections, excluding the
// originating device. It reports how many connections received the message.
// The connection registry implements this.
type Delivery interface {
	Deliver(userID string, msg *Message, excludeDeviceID string) int
}
