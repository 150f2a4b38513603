package sync

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"time"

	bolt "go.etcd.io/bbolt"
)

var queueBucket = []byte("offline_queue")

// Queue is the durable offline-operation queue. Operations are keyed by a
// monotonically increasing sequence number, so the queue is strictly FIFO
// and insertion order survives process restart.
//
// Consumption is split into Peek and Ack: an operation is only acknowledged
// after its republish is confirmed, giving at-least-once semantics. A crash
// between peek and ack replays the operation; replays are safe because CRDT
// merges are idempotent.
type Queue struct {
	db *bolt.DB
}

// NewQueue creates a queue backed by the given bolt database.
func NewQueue(db *bolt.DB) (*Queue, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(queueBucket); err != nil {
			return fmt.Errorf("create queue bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Queue{db: db}, nil
}

// Enqueue appends an operation. It assigns the sequence number and never
// touches the network.
func (q *Queue) Enqueue(op *Operation) error {
	if op.ID == "" {
		op.ID = GenerateID()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return fmt.Errorf("queue bucket not found")
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		op.Seq = seq

		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshal operation: %w", err)
		}

		return b.Put(seqKey(seq), data)
	})
}

// Peek returns up to limit operations in insertion order without consuming
// them. limit <= 0 returns everything. Undecodable records are deleted, or
// they would inflate the queue depth forever with entries no replay can
// drain.
func (q *Queue) Peek(limit int) ([]*Operation, error) {
	var ops []*Operation
	var poisoned [][]byte

	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(ops) < limit); k, v = c.Next() {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				poisoned = append(poisoned, append([]byte(nil), k...))
				continue
			}
			ops = append(ops, &op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(poisoned) > 0 {
		err := q.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(queueBucket)
			if b == nil {
				return nil
			}
			for _, k := range poisoned {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return ops, fmt.Errorf("drop malformed entries: %w", err)
		}
		log.Printf("[queue] Dropped %d malformed entries", len(poisoned))
	}

	return ops, nil
}

// Ack removes an operation after its publish was confirmed.
func (q *Queue) Ack(seq uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return fmt.Errorf("queue bucket not found")
		}
		return b.Delete(seqKey(seq))
	})
}

// Len returns the number of buffered operations.
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// seqKey encodes a sequence number as a big-endian sortable key.
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
