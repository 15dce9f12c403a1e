package model

import "time"

// TransportKind identifies the live connection transport.
type TransportKind string

const (
	// TransportPushSocket is a bidirectional websocket connection.
	TransportPushSocket TransportKind = "push-socket"
	// TransportEventStream is a server-sent events stream.
	TransportEventStream TransportKind = "event-stream"
)

// StreamConnection is one live push channel for one agent session.
// Exactly one logical subscription per connection; an agent may hold
// several connections. The in-memory registry is authoritative for
// delivery; the durable mirror record exists for crash-recovery
// introspection only and self-expires via TTL.
type StreamConnection struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	Transport    TransportKind `json:"transport"`
	Filters      []EventFilter `json:"filters,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastActivity time.Time     `json:"last_activity"`
}
