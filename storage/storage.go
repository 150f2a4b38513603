// Package storage provides persistent storage using bbolt database.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	BucketWatchlists      = []byte("watchlists")
	BucketProgress        = []byte("progress")
	BucketDevices         = []byte("devices")
	BucketPendingCommands = []byte("pending_commands")
)

// All buckets to create on init
var allBuckets = [][]byte{
	BucketWatchlists,
	BucketProgress,
	BucketDevices,
	BucketPendingCommands,
}

// Store is the main storage interface backed by bbolt.
type Store struct {
	db      *bolt.DB
	dataDir string
}

// Options configures the Store.
type Options struct {
	// DataDir is the directory where data.db will be created.
	// Defaults to ~/.viewsync
	DataDir string
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".viewsync"
	}
	return filepath.Join(home, ".viewsync")
}

// Open opens or creates a new Store.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		opts.DataDir = DefaultDataDir()
	}

	// Create data directory if needed
	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(opts.DataDir, "data.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:      db,
		dataDir: opts.DataDir,
	}

	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DataDir returns the data directory path.
func (s *Store) DataDir() string {
	return s.dataDir
}

// DB returns the underlying bbolt database. The offline queue shares the
// same database file through this handle.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Ping verifies the database is readable.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(BucketWatchlists) == nil {
			return ErrNotFound
		}
		return nil
	})
}

// initBuckets creates all required buckets.
func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Transaction helpers

// putJSON marshals value as JSON and stores it in bucket with key.
func putJSON(tx *bolt.Tx, bucketName []byte, key string, value interface{}) error {
	b := tx.Bucket(bucketName)
	if b == nil {
		return fmt.Errorf("bucket %s not found", bucketName)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return b.Put([]byte(key), data)
}

// getJSON retrieves a value from bucket and unmarshals it.
func getJSON(tx *bolt.Tx, bucketName []byte, key string, dest interface{}) error {
	b := tx.Bucket(bucketName)
	if b == nil {
		return fmt.Errorf("bucket %s not found", bucketName)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, dest)
}

// deleteKey removes a key from bucket.
func deleteKey(tx *bolt.Tx, bucketName []byte, key string) error {
	b := tx.Bucket(bucketName)
	if b == nil {
		return fmt.Errorf("bucket %s not found", bucketName)
	}
	return b.Delete([]byte(key))
}
