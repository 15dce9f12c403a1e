package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ashita-ai/nagare/internal/model"
)

// connectionRecord mirrors one live connection for crash-recovery
// introspection. Not authoritative for delivery — only the in-memory
// registry is consulted when broadcasting.
type connectionRecord struct {
	Conn      model.StreamConnection `json:"conn"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// PutConnection writes (or refreshes) a connection mirror record with the
// given TTL. Heartbeats call this to push the expiry forward; records not
// refreshed self-expire.
func (s *Store) PutConnection(conn model.StreamConnection, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := connectionRecord{Conn: conn, ExpiresAt: time.Now().Add(ttl)}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: marshal connection %s: %w", conn.ID, err)
		}
		return tx.Bucket(bucketConnections).Put([]byte(conn.ID), data)
	})
}

// DeleteConnection removes a connection record. Missing records are a no-op
// so that Disconnect stays idempotent.
func (s *Store) DeleteConnection(connID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).Delete([]byte(connID))
	})
}

// ListConnections returns non-expired connection records.
func (s *Store) ListConnections(now time.Time) ([]model.StreamConnection, error) {
	var out []model.StreamConnection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).ForEach(func(k, v []byte) error {
			var rec connectionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("store: unmarshal connection %s: %w", k, err)
			}
			if rec.ExpiresAt.After(now) {
				out = append(out, rec.Conn)
			}
			return nil
		})
	})
	return out, err
}

// ExpireConnections deletes records whose TTL has lapsed and returns how
// many were removed. Called on startup so stale entries from a previous
// process do not linger.
func (s *Store) ExpireConnections(now time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketConnections)
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec connectionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("store: unmarshal connection %s: %w", k, err)
			}
			if !rec.ExpiresAt.After(now) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
