// Package store is the durable state layer, backed by bbolt. Every mutating
// method runs inside a single bbolt update transaction, which is the
// per-key atomic read-modify-write the rate limiter and delivery queues
// depend on under concurrent access.
//
// Layout:
//
//	queues/<target>/     pending tasks, keyed by next-retry-time then task id
//	inflight/<target>/   claimed tasks with their claim timestamp
//	deadletters/         tasks that exhausted their retry budget
//	counters/            fixed-window rate-limit counters
//	connections/         stream connection mirror records with TTL
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketQueues      = []byte("queues")
	bucketInFlight    = []byte("inflight")
	bucketDeadLetters = []byte("deadletters")
	bucketCounters    = []byte("counters")
	bucketConnections = []byte("connections")
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the bbolt-backed durable store.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the store file under dataDir.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	path := filepath.Join(dataDir, "nagare.db")

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketQueues,
			bucketInFlight,
			bucketDeadLetters,
			bucketCounters,
			bucketConnections,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
