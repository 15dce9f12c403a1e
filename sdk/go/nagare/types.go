package nagare

import "time"

// Event is a discrete occurrence submitted for routing. Type and Source are
// required; ID and Timestamp are assigned by the server when omitted.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Filter operators.
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpRegex    = "regex"
	OpExists   = "exists"
	OpGT       = "gt"
	OpLT       = "lt"
	OpIn       = "in"
)

// Filter actions.
const (
	ActionInclude   = "include"
	ActionExclude   = "exclude"
	ActionTransform = "transform"
)

// FilterCondition is one predicate over a dot path into the event's payload
// or metadata.
type FilterCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`

	// CaseSensitive overrides the operator default when non-nil: regex is
	// case-insensitive by default, everything else case-sensitive.
	CaseSensitive *bool `json:"case_sensitive,omitempty"`
}

// TransformSpec describes the payload mutation a transform filter applies.
type TransformSpec struct {
	Set    map[string]any `json:"set,omitempty"`
	Redact []string       `json:"redact,omitempty"`
}

// EventFilter is a named predicate over an event plus an effect.
type EventFilter struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Source     string            `json:"source,omitempty"`
	EventType  string            `json:"event_type,omitempty"`
	Conditions []FilterCondition `json:"conditions,omitempty"`
	Action     string            `json:"action"`
	Transform  *TransformSpec    `json:"transform,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	Enabled    bool              `json:"enabled"`
}

// Backoff strategies.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// RetryPolicy controls delivery retries for tasks produced by a route.
// Delays are nanoseconds on the wire (Go duration encoding).
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	BackoffStrategy string        `json:"backoff_strategy"`
	BaseDelay       time.Duration `json:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	Jitter          bool          `json:"jitter"`
}

// EventRoute binds filters to target agents with a delivery policy.
type EventRoute struct {
	ID            string        `json:"id,omitempty"`
	Name          string        `json:"name"`
	SourceFilters []EventFilter `json:"source_filters"`
	TargetAgents  []string      `json:"target_agents"`
	Priority      int           `json:"priority,omitempty"`
	RetryPolicy   RetryPolicy   `json:"retry_policy"`
	Enabled       bool          `json:"enabled"`
}

// RetryableEvent is one pending delivery of one event to one target agent.
type RetryableEvent struct {
	ID            string      `json:"id"`
	Event         Event       `json:"event"`
	TargetAgent   string      `json:"target_agent"`
	RouteID       string      `json:"route_id"`
	RetryPolicy   RetryPolicy `json:"retry_policy"`
	AttemptCount  int         `json:"attempt_count"`
	NextRetryTime time.Time   `json:"next_retry_time"`
	CreatedAt     time.Time   `json:"created_at"`
	LastError     string      `json:"last_error,omitempty"`
}

// DeadLetter is a task that exhausted its retry budget.
type DeadLetter struct {
	Task           RetryableEvent `json:"task"`
	Reason         string         `json:"reason"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}

// StreamConnection describes one live push channel on the server.
type StreamConnection struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	Transport    string        `json:"transport"`
	Filters      []EventFilter `json:"filters,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// IngestResult reports what ingestion produced. TaskCount is tasks created,
// not deliveries completed; delivery is asynchronous.
type IngestResult struct {
	EventID   string `json:"event_id"`
	TaskCount int    `json:"task_count"`
}

// Token is a stream credential for one agent.
type Token struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Health is the server health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

type routeResponse struct {
	Route EventRoute `json:"route"`
}

type routeListResponse struct {
	Routes []EventRoute `json:"routes"`
}

type connectionListResponse struct {
	Connections []StreamConnection `json:"connections"`
}

type deadLetterListResponse struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
}

type requeueResponse struct {
	Task RetryableEvent `json:"task"`
}
