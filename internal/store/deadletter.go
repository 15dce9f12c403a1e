package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ashita-ai/nagare/internal/model"
)

// DeadLetter moves a task from in-flight to the dead-letter bucket. The task
// is terminal after this: it is never re-enqueued unless an operator
// explicitly requeues it.
func (s *Store) DeadLetter(dl model.DeadLetter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		inflight := tx.Bucket(bucketInFlight).Bucket([]byte(dl.Task.TargetAgent))
		if inflight != nil {
			if err := inflight.Delete([]byte(dl.Task.ID)); err != nil {
				return err
			}
		}
		data, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("store: marshal dead letter %s: %w", dl.Task.ID, err)
		}
		return tx.Bucket(bucketDeadLetters).Put([]byte(dl.Task.ID), data)
	})
}

// ListDeadLetters returns all dead-lettered tasks for operator inspection.
func (s *Store) ListDeadLetters() ([]model.DeadLetter, error) {
	var out []model.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(k, v []byte) error {
			var dl model.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return fmt.Errorf("store: unmarshal dead letter %s: %w", k, err)
			}
			out = append(out, dl)
			return nil
		})
	})
	return out, err
}

// PurgeDeadLetter deletes a dead-letter record.
func (s *Store) PurgeDeadLetter(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeadLetters)
		if bucket.Get([]byte(taskID)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(taskID))
	})
}

// RequeueDeadLetter moves a dead-lettered task back onto its target's queue
// with a fresh retry budget, due immediately. Operator follow-up path.
func (s *Store) RequeueDeadLetter(taskID string, now time.Time) (model.RetryableEvent, error) {
	var task model.RetryableEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeadLetters)
		data := bucket.Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		var dl model.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			return fmt.Errorf("store: unmarshal dead letter %s: %w", taskID, err)
		}
		if err := bucket.Delete([]byte(taskID)); err != nil {
			return err
		}
		task = dl.Task
		task.AttemptCount = 0
		task.NextRetryTime = now
		task.LastError = ""
		return enqueueTx(tx, task)
	})
	return task, err
}
