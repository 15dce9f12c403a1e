package store

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// IncrementCounter atomically increments the fixed-window counter for key
// and returns the post-increment count plus the moment the window resets.
// The increment-and-read runs in one update transaction, so concurrent
// callers admitting for the same key never race past the threshold.
//
// Expired windows for the same key are reclaimed opportunistically during
// the increment, keeping the counters bucket bounded without a sweeper.
func (s *Store) IncrementCounter(key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)
	full := counterKey(key, windowStart)

	var count int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)

		if data := bucket.Get(full); data != nil {
			n, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("store: corrupt counter %s: %w", full, err)
			}
			count = n
		}
		count++
		if err := bucket.Put(full, []byte(strconv.FormatInt(count, 10))); err != nil {
			return err
		}

		// Reclaim this key's earlier windows.
		prefix := []byte(key + "|")
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if bytes.Compare(k, full) < 0 {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, resetAt, nil
}

func counterKey(key string, windowStart time.Time) []byte {
	return fmt.Appendf(nil, "%s|%020d", key, windowStart.UnixNano())
}
