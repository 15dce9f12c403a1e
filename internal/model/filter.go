package model

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Operator is a filter condition comparison operator.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
	OpExists   Operator = "exists"
	OpGT       Operator = "gt"
	OpLT       Operator = "lt"
	OpIn       Operator = "in"
)

// FilterAction is the effect a matching filter has on routing.
type FilterAction string

const (
	// ActionInclude gates delivery: the route matches if the filter matches.
	ActionInclude FilterAction = "include"
	// ActionExclude vetoes delivery: a matching exclude filter suppresses
	// the route even when an include filter also matches.
	ActionExclude FilterAction = "exclude"
	// ActionTransform does not gate delivery; a matching transform filter
	// mutates a copy of the payload before the event is handed downstream.
	ActionTransform FilterAction = "transform"
)

// FilterCondition is a single stateless predicate over one payload field.
// Field is a dot-path into the event payload, with metadata as a fallback
// namespace. Conditions within one filter are AND-combined.
type FilterCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`

	// CaseSensitive controls string comparison for equals, contains, regex
	// and in. Nil means the operator default: regex is case-insensitive,
	// everything else is case-sensitive.
	CaseSensitive *bool `json:"case_sensitive,omitempty"`
}

// TransformSpec describes the payload mutation a transform filter applies.
// Set writes values at dot-paths; Redact removes dot-paths. Redaction runs
// after Set so a field cannot be re-introduced by the same filter.
type TransformSpec struct {
	Set    map[string]any `json:"set,omitempty"`
	Redact []string       `json:"redact,omitempty"`
}

// EventFilter is a named, reusable predicate over an event plus an effect.
type EventFilter struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Source     string            `json:"source,omitempty"`     // empty matches any source
	EventType  string            `json:"event_type,omitempty"` // empty matches any type
	Conditions []FilterCondition `json:"conditions,omitempty"`
	Action     FilterAction      `json:"action"`
	Transform  *TransformSpec    `json:"transform,omitempty"`
	Priority   int               `json:"priority"`
	Enabled    bool              `json:"enabled"`
}

// Validate checks the filter configuration. Called when routes or stream
// subscriptions are mutated — an invalid filter never reaches routing.
func (f EventFilter) Validate() error {
	switch f.Action {
	case ActionInclude, ActionExclude, ActionTransform:
	default:
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", f.Action)}
	}
	if f.Action == ActionTransform {
		if f.Transform == nil || (len(f.Transform.Set) == 0 && len(f.Transform.Redact) == 0) {
			return &ValidationError{Field: "transform", Reason: "transform filter requires a transform spec"}
		}
	}
	for i, c := range f.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks a single condition, including regex compilation.
func (c FilterCondition) Validate() error {
	if c.Field == "" {
		return &ValidationError{Field: "field", Reason: "field path is required"}
	}
	switch c.Operator {
	case OpEquals, OpContains, OpGT, OpLT:
		if c.Value == nil {
			return &ValidationError{Field: "value", Reason: fmt.Sprintf("operator %q requires a value", c.Operator)}
		}
	case OpExists:
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return &ValidationError{Field: "value", Reason: "regex operator requires a string pattern"}
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return &ValidationError{Field: "value", Reason: fmt.Sprintf("invalid regex: %v", err)}
		}
	case OpIn:
		if _, ok := c.Value.([]any); !ok {
			return &ValidationError{Field: "value", Reason: "in operator requires a list value"}
		}
	default:
		return &ValidationError{Field: "operator", Reason: fmt.Sprintf("unknown operator %q", c.Operator)}
	}
	return nil
}

// EnsureID assigns a generated ID if the filter has none.
func (f *EventFilter) EnsureID() {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
}
