package broadcast

import (
	"context"
	"log"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/casey/viewsync/hlc"
	"github.com/casey/viewsync/metrics"
	"github.com/casey/viewsync/sync"
)

const (
	resubscribeInitialInterval = 500 * time.Millisecond
	resubscribeMaxInterval     = 30 * time.Second
)

// envelope is the slice of every payload the broadcaster needs: the
// originating device (excluded from fan-out) and the HLC stamp (for
// propagation latency).
type envelope struct {
	DeviceID  string        `json:"device_id"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

// Broadcaster bridges the pub/sub bus to live connections. Each user with a
// connection gets one relay goroutine subscribed to their bus channel; bus
// messages are fanned out to the user's other devices.
type Broadcaster struct {
	pub     sync.Publisher
	conns   *Registry
	metrics *metrics.Collector

	mu     stdsync.Mutex
	active map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewBroadcaster creates a broadcaster relaying from pub to conns.
func NewBroadcaster(pub sync.Publisher, conns *Registry, collector *metrics.Collector) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		pub:     pub,
		conns:   conns,
		metrics: collector,
		active:  make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// EnsureUser starts the relay goroutine for a user. Calling it again while
// the relay is running is a no-op, so every connection attach can call it.
func (b *Broadcaster) EnsureUser(userID string) {
	b.mu.Lock()
	if _, ok := b.active[userID]; ok {
		b.mu.Unlock()
		return
	}
	b.active[userID] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runUser(userID)
}

// Stop halts all relays and waits for them to exit.
func (b *Broadcaster) Stop() {
	b.cancel()
	b.wg.Wait()
}

// runUser subscribes to the user's bus channel and relays until shutdown.
// A dropped subscription is reopened with exponential backoff.
func (b *Broadcaster) runUser(userID string) {
	defer b.wg.Done()
	defer b.pub.Unsubscribe(userID)

	for {
		ch, err := b.subscribe(userID)
		if err != nil {
			// Only shutdown ends the backoff loop.
			return
		}

		if !b.drain(userID, ch) {
			return
		}
		log.Printf("[broadcast] Subscription for %s closed, resubscribing", userID)
	}
}

// drain relays until the channel closes (returns true) or shutdown begins
// (returns false).
func (b *Broadcaster) drain(userID string, ch <-chan *sync.Message) bool {
	for {
		select {
		case <-b.ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			b.relay(userID, msg)
		}
	}
}

func (b *Broadcaster) subscribe(userID string) (<-chan *sync.Message, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = resubscribeInitialInterval
	expo.MaxInterval = resubscribeMaxInterval

	attempt := func() (<-chan *sync.Message, error) {
		return b.pub.Subscribe(b.ctx, userID)
	}

	return backoff.Retry(b.ctx, attempt, backoff.WithBackOff(expo))
}

// relay fans one bus message out to the user's connections, excluding the
// device that produced it.
func (b *Broadcaster) relay(userID string, msg *sync.Message) {
	var env envelope
	if len(msg.Payload) > 0 {
		if err := msg.ParsePayload(&env); err != nil {
			log.Printf("[broadcast] Dropping malformed %s for %s: %v", msg.Type, userID, err)
			b.metrics.IncDropped()
			return
		}
	}

	b.conns.Deliver(userID, msg, env.DeviceID)
	b.metrics.IncRelayed(msg.Type)

	if !env.Timestamp.IsZero() {
		if latency := time.Since(env.Timestamp.Time()); latency > 0 {
			b.metrics.RecordLatency(latency)
		}
	}
}
