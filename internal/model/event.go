package model

import (
	"time"

	"github.com/google/uuid"
)

// Event is a discrete occurrence ingested from an external source
// (source control, issue tracker, chat platform). Immutable once created;
// identity is ID, which consumers use for idempotent processing.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent creates an Event with a generated ID and the current timestamp.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Normalize fills in caller-omitted identity fields. Caller-supplied IDs are
// preserved so consumers can deduplicate redelivered events.
func (e *Event) Normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Clone returns a deep copy of the event. Transform filters mutate the copy,
// never the original — the ingested event stays immutable.
func (e Event) Clone() Event {
	out := e
	out.Payload = deepCopyMap(e.Payload)
	out.Metadata = deepCopyMap(e.Metadata)
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
