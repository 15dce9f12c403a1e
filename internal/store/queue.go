package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ashita-ai/nagare/internal/model"
)

// inFlightRecord is a claimed task plus its claim time, used for liveness
// recovery after a scheduler crash.
type inFlightRecord struct {
	Task      model.RetryableEvent `json:"task"`
	ClaimedAt time.Time            `json:"claimed_at"`
}

// queueKey orders tasks by next-retry-time within a target's queue. bbolt
// iterates keys in byte order, so the zero-padded nanosecond prefix gives
// FIFO-by-NextRetryTime; the task id suffix keeps keys unique.
func queueKey(task model.RetryableEvent) []byte {
	return fmt.Appendf(nil, "%020d/%s", task.NextRetryTime.UnixNano(), task.ID)
}

// Enqueue adds a task to its target's durable queue.
func (s *Store) Enqueue(task model.RetryableEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return enqueueTx(tx, task)
	})
}

func enqueueTx(tx *bolt.Tx, task model.RetryableEvent) error {
	queue, err := tx.Bucket(bucketQueues).CreateBucketIfNotExists([]byte(task.TargetAgent))
	if err != nil {
		return fmt.Errorf("store: queue bucket for %s: %w", task.TargetAgent, err)
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("store: marshal task %s: %w", task.ID, err)
	}
	return queue.Put(queueKey(task), data)
}

// ClaimDue atomically moves every task with NextRetryTime <= now from its
// queue into the in-flight bucket and returns the claimed tasks. Moving
// inside one transaction guarantees at-most-one in-flight claim per task:
// a concurrent or restarted scheduler cannot claim the same task twice.
func (s *Store) ClaimDue(now time.Time, limit int) ([]model.RetryableEvent, error) {
	cutoff := fmt.Appendf(nil, "%020d", now.UnixNano()+1)
	var claimed []model.RetryableEvent

	err := s.db.Update(func(tx *bolt.Tx) error {
		queues := tx.Bucket(bucketQueues)
		inflight := tx.Bucket(bucketInFlight)

		return queues.ForEachBucket(func(target []byte) error {
			if limit > 0 && len(claimed) >= limit {
				return nil
			}
			queue := queues.Bucket(target)
			dest, err := inflight.CreateBucketIfNotExists(target)
			if err != nil {
				return fmt.Errorf("store: inflight bucket for %s: %w", target, err)
			}

			c := queue.Cursor()
			for k, v := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, v = c.Next() {
				var task model.RetryableEvent
				if err := json.Unmarshal(v, &task); err != nil {
					return fmt.Errorf("store: unmarshal task at %s: %w", k, err)
				}
				rec, err := json.Marshal(inFlightRecord{Task: task, ClaimedAt: now})
				if err != nil {
					return err
				}
				if err := dest.Put([]byte(task.ID), rec); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}
				claimed = append(claimed, task)
				if limit > 0 && len(claimed) >= limit {
					return nil
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete removes a delivered task from the in-flight bucket permanently.
func (s *Store) Complete(targetAgent, taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		inflight := tx.Bucket(bucketInFlight).Bucket([]byte(targetAgent))
		if inflight == nil || inflight.Get([]byte(taskID)) == nil {
			return ErrNotFound
		}
		return inflight.Delete([]byte(taskID))
	})
}

// Reschedule moves a failed task from in-flight back onto its queue with its
// updated attempt count and next-retry-time, in one transaction.
func (s *Store) Reschedule(task model.RetryableEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		inflight := tx.Bucket(bucketInFlight).Bucket([]byte(task.TargetAgent))
		if inflight != nil {
			if err := inflight.Delete([]byte(task.ID)); err != nil {
				return err
			}
		}
		return enqueueTx(tx, task)
	})
}

// ReclaimStale removes in-flight records claimed before cutoff and returns
// their tasks. Called on scheduler start: a task left in-flight past the
// liveness timeout is treated as a failed attempt and goes back through the
// normal backoff path.
func (s *Store) ReclaimStale(cutoff time.Time) ([]model.RetryableEvent, error) {
	var stale []model.RetryableEvent

	err := s.db.Update(func(tx *bolt.Tx) error {
		inflight := tx.Bucket(bucketInFlight)
		return inflight.ForEachBucket(func(target []byte) error {
			bucket := inflight.Bucket(target)
			c := bucket.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var rec inFlightRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("store: unmarshal inflight %s: %w", k, err)
				}
				if rec.ClaimedAt.After(cutoff) {
					continue
				}
				if err := c.Delete(); err != nil {
					return err
				}
				stale = append(stale, rec.Task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// QueueDepth returns the number of pending tasks for a target.
func (s *Store) QueueDepth(targetAgent string) (int, error) {
	var depth int
	err := s.db.View(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueues).Bucket([]byte(targetAgent))
		if queue != nil {
			depth = queue.Stats().KeyN
		}
		return nil
	})
	return depth, err
}
