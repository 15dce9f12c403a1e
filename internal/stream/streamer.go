// Package stream manages live push connections: a per-process registry of
// subscriber connections, each carrying its own filter set, fed by
// broadcast independently of the durable retry path. The streamer is a
// latency optimization — delivery guarantees come from the retry queue.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/nagare/internal/filter"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/store"
)

// Config holds streamer tuning.
type Config struct {
	// SendTimeout bounds one broadcast send per connection.
	SendTimeout time.Duration
	// HeartbeatInterval is the liveness probe period.
	HeartbeatInterval time.Duration
	// MaxMissedHeartbeats disconnects a connection after this many
	// consecutive failed heartbeat sends.
	MaxMissedHeartbeats int
	// ConnectionTTL is the durable mirror record lifetime; heartbeats
	// refresh it, so stale records self-expire after a crash.
	ConnectionTTL time.Duration
	// MaxConcurrentSends bounds parallel broadcast sends.
	MaxConcurrentSends int64
}

// conn pairs the connection record with its transport and liveness state.
type conn struct {
	mu     sync.Mutex
	record model.StreamConnection
	sender Sender
	missed int
}

// Streamer owns the live connection registry for one serving process.
type Streamer struct {
	filters *filter.Engine
	store   *store.Store
	logger  *slog.Logger
	cfg     Config

	mu    sync.RWMutex
	conns map[string]*conn

	sem        *semaphore.Weighted
	broadcasts metric.Int64Counter
}

// New creates a streamer. Call Run in a goroutine to start heartbeats.
func New(filters *filter.Engine, st *store.Store, logger *slog.Logger, cfg Config) *Streamer {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = 3 * cfg.HeartbeatInterval
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 64
	}

	meter := otel.Meter("github.com/ashita-ai/nagare/internal/stream")
	broadcasts, _ := meter.Int64Counter("nagare.stream.sends",
		metric.WithDescription("Live broadcast sends initiated"))

	return &Streamer{
		filters:    filters,
		store:      st,
		logger:     logger,
		cfg:        cfg,
		conns:      make(map[string]*conn),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentSends),
		broadcasts: broadcasts,
	}
}

// Connect registers a new connection for an agent session. The caller has
// already been authenticated at the server boundary. Filters are validated
// here so a malformed subscription is rejected synchronously.
func (s *Streamer) Connect(agentID string, filters []model.EventFilter, transport model.TransportKind, sender Sender) (string, error) {
	if agentID == "" {
		return "", &model.ValidationError{Field: "agent_id", Reason: "agent id is required"}
	}
	for i := range filters {
		filters[i].EnsureID()
		if err := filters[i].Validate(); err != nil {
			return "", fmt.Errorf("filters[%d]: %w", i, err)
		}
	}

	now := time.Now().UTC()
	record := model.StreamConnection{
		ID:           newConnectionID(),
		AgentID:      agentID,
		Transport:    transport,
		Filters:      filters,
		ConnectedAt:  now,
		LastActivity: now,
	}
	c := &conn{record: record, sender: sender}

	s.mu.Lock()
	s.conns[record.ID] = c
	s.mu.Unlock()

	if err := s.store.PutConnection(record, s.cfg.ConnectionTTL); err != nil {
		s.logger.Warn("stream: persist connection record", "conn_id", record.ID, "error", err)
	}
	s.logger.Info("stream: connected",
		"conn_id", record.ID, "agent_id", agentID, "transport", transport, "filters", len(filters))
	return record.ID, nil
}

// UpdateFilters atomically replaces a connection's filter set. Takes effect
// for subsequently broadcast events only.
func (s *Streamer) UpdateFilters(connID string, filters []model.EventFilter) error {
	for i := range filters {
		filters[i].EnsureID()
		if err := filters[i].Validate(); err != nil {
			return fmt.Errorf("filters[%d]: %w", i, err)
		}
	}

	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stream: connection %s: %w", connID, store.ErrNotFound)
	}

	c.mu.Lock()
	c.record.Filters = filters
	c.record.LastActivity = time.Now().UTC()
	record := c.record
	c.mu.Unlock()

	if err := s.store.PutConnection(record, s.cfg.ConnectionTTL); err != nil {
		s.logger.Warn("stream: persist connection record", "conn_id", connID, "error", err)
	}
	return nil
}

// Broadcast offers an event to every live connection whose agent is in
// candidateTargets (or all connections when candidateTargets is nil) and
// whose filters match. Sends run fire-and-forget in their own goroutines
// with individual timeouts, bounded by the send semaphore — one slow or
// dead consumer cannot delay the others. Returns the number of sends
// initiated.
func (s *Streamer) Broadcast(ctx context.Context, event model.Event, candidateTargets []string) int {
	// Snapshot under the read lock; never iterate the live map while
	// connects and disconnects mutate it.
	s.mu.RLock()
	snapshot := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	data, err := eventFrame(event)
	if err != nil {
		s.logger.Error("stream: encode event frame", "event_id", event.ID, "error", err)
		return 0
	}

	sends := 0
	for _, c := range snapshot {
		c.mu.Lock()
		record := c.record
		c.mu.Unlock()

		if candidateTargets != nil && !slices.Contains(candidateTargets, record.AgentID) {
			continue
		}
		if !s.connectionMatches(event, record.Filters) {
			continue
		}

		sends++
		s.broadcasts.Add(ctx, 1)
		go s.send(c, data)
	}
	return sends
}

// connectionMatches applies the connection's filter subscription: no filters
// means everything, otherwise any matching filter admits the event (a
// matching exclude filter vetoes it, mirroring route semantics).
func (s *Streamer) connectionMatches(event model.Event, filters []model.EventFilter) bool {
	if len(filters) == 0 {
		return true
	}
	admitted := false
	for _, f := range filters {
		if !s.filters.Evaluate(event, f) {
			continue
		}
		if f.Action == model.ActionExclude {
			return false
		}
		admitted = true
	}
	return admitted
}

// send performs one fire-and-forget delivery with its own timeout. A failed
// send disconnects the connection; the durable queue still guarantees the
// event reaches the agent.
func (s *Streamer) send(c *conn, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Warn("stream: send slot timeout", "conn_id", c.record.ID)
		return
	}
	defer s.sem.Release(1)

	if err := c.sender.Send(ctx, data); err != nil {
		s.logger.Warn("stream: send failed, disconnecting",
			"conn_id", c.record.ID, "agent_id", c.record.AgentID, "error", err)
		s.Disconnect(c.record.ID)
	}
}

// Disconnect removes a connection, stops its transport, and deletes the
// durable record. Idempotent: a second call for the same ID is a no-op.
func (s *Streamer) Disconnect(connID string) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := c.sender.Close(); err != nil {
		s.logger.Warn("stream: close sender", "conn_id", connID, "error", err)
	}
	if err := s.store.DeleteConnection(connID); err != nil {
		s.logger.Warn("stream: delete connection record", "conn_id", connID, "error", err)
	}
	s.logger.Info("stream: disconnected", "conn_id", connID, "agent_id", c.record.AgentID)
}

// Run drives the heartbeat loop until ctx is cancelled, then disconnects
// everything. It blocks, so call it in a goroutine.
func (s *Streamer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// heartbeat probes every connection. A successful send resets the miss
// counter and refreshes the durable record's TTL; MaxMissedHeartbeats
// consecutive failures trigger disconnect. Liveness is not authoritative
// for delivery — it only prunes dead transports.
func (s *Streamer) heartbeat() {
	s.mu.RLock()
	snapshot := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	data := heartbeatFrame()
	for _, c := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		err := c.sender.Send(ctx, data)
		cancel()

		c.mu.Lock()
		if err != nil {
			c.missed++
			missed := c.missed
			c.mu.Unlock()
			if missed >= s.cfg.MaxMissedHeartbeats {
				s.logger.Warn("stream: heartbeats missed, disconnecting",
					"conn_id", c.record.ID, "missed", missed)
				s.Disconnect(c.record.ID)
			}
			continue
		}
		c.missed = 0
		c.record.LastActivity = time.Now().UTC()
		record := c.record
		c.mu.Unlock()

		if err := s.store.PutConnection(record, s.cfg.ConnectionTTL); err != nil {
			s.logger.Warn("stream: refresh connection record", "conn_id", record.ID, "error", err)
		}
	}
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*conn)
	s.mu.Unlock()

	for id, c := range conns {
		_ = c.sender.Close()
		_ = s.store.DeleteConnection(id)
	}
}

func newConnectionID() string { return uuid.NewString() }

// Connections returns a snapshot of active connections for the
// administrative surface.
func (s *Streamer) Connections() []model.StreamConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StreamConnection, 0, len(s.conns))
	for _, c := range s.conns {
		c.mu.Lock()
		out = append(out, c.record)
		c.mu.Unlock()
	}
	return out
}
