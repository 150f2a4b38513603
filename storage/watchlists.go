package storage

import (
	"context"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/casey/viewsync/crdt"
)

// LoadWatchlist loads the user's watchlist OR-Set. A user with no saved
// watchlist gets an empty set.
func (s *Store) LoadWatchlist(ctx context.Context, userID string) (*crdt.ORSet, error) {
	set := crdt.NewORSet()
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, BucketWatchlists, userID, set)
	})
	if errors.Is(err, ErrNotFound) {
		return crdt.NewORSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load watchlist %s: %w", userID, err)
	}
	return set, nil
}

// SaveWatchlist durably replaces the user's watchlist snapshot.
func (s *Store) SaveWatchlist(ctx context.Context, userID string, set *crdt.ORSet) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, BucketWatchlists, userID, set)
	})
	if err != nil {
		return fmt.Errorf("save watchlist %s: %w", userID, err)
	}
	return nil
}
