package sync

import (
	"context"
	"fmt"
	"log"
)

// Applier re-applies a queued operation to local state during replay.
// WatchlistSync and ProgressSync implement it for their operation types.
type Applier interface {
	ApplyOperation(ctx context.Context, op *Operation) error
}

// Replayer drains the offline queue on reconnect: each buffered operation is
// republished in original insertion order and merged locally, and only
// acknowledged once its publish succeeded.
type Replayer struct {
	queue     *Queue
	pub       Publisher
	batchSize int
	appliers  map[string]Applier
}

// NewReplayer creates a replayer draining queue through pub.
func NewReplayer(queue *Queue, pub Publisher, cfg *Config) *Replayer {
	return &Replayer{
		queue:     queue,
		pub:       pub,
		batchSize: cfg.ReplayBatchSize,
		appliers:  make(map[string]Applier),
	}
}

// Register routes replayed operations of the given type to an applier.
func (r *Replayer) Register(opType string, applier Applier) {
	r.appliers[opType] = applier
}

// Replay drains the queue in bounded batches. It returns the number of
// operations successfully replayed. A publish failure stops the replay with
// everything unacknowledged left in place for the next attempt.
func (r *Replayer) Replay(ctx context.Context) (int, error) {
	replayed := 0

	for {
		ops, err := r.queue.Peek(r.batchSize)
		if err != nil {
			return replayed, fmt.Errorf("peek queue: %w", err)
		}
		if len(ops) == 0 {
			return replayed, nil
		}

		for _, op := range ops {
			select {
			case <-ctx.Done():
				return replayed, ctx.Err()
			default:
			}

			if err := r.pub.Publish(ctx, op.Message()); err != nil {
				log.Printf("[sync] Replay stopped at seq %d: %v", op.Seq, err)
				return replayed, fmt.Errorf("republish seq %d: %w", op.Seq, err)
			}

			// Merge locally as well; merges are idempotent so re-applying an
			// operation that already took effect is harmless.
			if applier, ok := r.appliers[op.Type]; ok {
				if err := applier.ApplyOperation(ctx, op); err != nil {
					log.Printf("[sync] Replay local apply failed for seq %d: %v", op.Seq, err)
				}
			}

			if err := r.queue.Ack(op.Seq); err != nil {
				return replayed, fmt.Errorf("ack seq %d: %w", op.Seq, err)
			}
			replayed++
		}
	}
}
