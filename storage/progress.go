package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/casey/viewsync/crdt"
)

// Progress is keyed userID/contentID so one user's positions share a key
// prefix and load with a single cursor scan.

func progressKey(userID, contentID string) string {
	return userID + "/" + contentID
}

// LoadProgress loads all playback positions for the user.
func (s *Store) LoadProgress(ctx context.Context, userID string) ([]crdt.PlaybackPosition, error) {
	var positions []crdt.PlaybackPosition

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketProgress).Cursor()
		prefix := []byte(userID + "/")

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var pos crdt.PlaybackPosition
			if err := json.Unmarshal(v, &pos); err != nil {
				return fmt.Errorf("unmarshal progress %s: %w", k, err)
			}
			positions = append(positions, pos)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load progress %s: %w", userID, err)
	}
	return positions, nil
}

// SaveProgress durably saves one playback position.
func (s *Store) SaveProgress(ctx context.Context, userID string, pos crdt.PlaybackPosition) error {
	if pos.ContentID == "" {
		return ErrInvalidData
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, BucketProgress, progressKey(userID, pos.ContentID), &pos)
	})
	if err != nil {
		return fmt.Errorf("save progress %s/%s: %w", userID, pos.ContentID, err)
	}
	return nil
}
