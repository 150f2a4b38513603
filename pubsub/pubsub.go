// Package pubsub provides an in-process pub/sub bus keyed by user. It is the
// single-process transport between the sync engine and the connection
// broadcaster; multi-node deployments swap in a broker-backed implementation
// of the same interface.
package pubsub

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/casey/viewsync/sync"
)

// DefaultChannelBuffer is the per-subscription channel depth. A subscriber
// that falls this far behind starts failing publishes instead of blocking
// the engine.
const DefaultChannelBuffer = 256

// Bus is an in-memory Publisher. Each user has at most one subscription.
type Bus struct {
	mu     stdsync.Mutex
	subs   map[string]chan *sync.Message
	buffer int
	closed bool
}

// NewBus creates a bus with the given per-subscription buffer. A zero or
// negative buffer uses DefaultChannelBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	return &Bus{
		subs:   make(map[string]chan *sync.Message),
		buffer: buffer,
	}
}

// Publish sends one message to the user's channel. A user with no
// subscriber drops the message, matching broker semantics; a full
// subscriber buffer or a closed bus fails with ErrPublishUnavailable so the
// caller can park the operation durably.
func (b *Bus) Publish(ctx context.Context, msg *sync.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed: %w", sync.ErrPublishUnavailable)
	}
	ch, ok := b.subs[msg.UserID]
	b.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("subscriber %s backlogged: %w", msg.UserID, sync.ErrPublishUnavailable)
	}
}

// PublishBatch sends messages in order, stopping at the first failure.
func (b *Bus) PublishBatch(ctx context.Context, msgs []*sync.Message) error {
	for _, msg := range msgs {
		if err := b.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op for the in-memory bus: Publish hands off synchronously.
func (b *Bus) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Subscribe opens the per-user channel. A second subscription for the same
// user fails with ErrSubscriptionFailed.
func (b *Bus) Subscribe(ctx context.Context, userID string) (<-chan *sync.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed: %w", sync.ErrSubscriptionFailed)
	}
	if _, ok := b.subs[userID]; ok {
		return nil, fmt.Errorf("user %s already subscribed: %w", userID, sync.ErrSubscriptionFailed)
	}

	ch := make(chan *sync.Message, b.buffer)
	b.subs[userID] = ch
	return ch, nil
}

// Unsubscribe closes the per-user channel. Unsubscribing a user with no
// subscription is a no-op.
func (b *Bus) Unsubscribe(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[userID]; ok {
		delete(b.subs, userID)
		close(ch)
	}
	return nil
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for userID, ch := range b.subs {
		delete(b.subs, userID)
		close(ch)
	}
}
