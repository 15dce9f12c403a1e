package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BackoffStrategy selects the retry delay function.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy is immutable retry configuration attached to a route.
// A snapshot is copied onto every task the route produces, so disabling
// or editing a route never changes the policy of already-queued tasks.
type RetryPolicy struct {
	MaxAttempts     int             `json:"max_attempts"`
	BackoffStrategy BackoffStrategy `json:"backoff_strategy"`
	BaseDelay       time.Duration   `json:"base_delay"`
	MaxDelay        time.Duration   `json:"max_delay"`
	Jitter          bool            `json:"jitter"`
}

// DefaultRetryPolicy is applied to routes created without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	BackoffStrategy: BackoffExponential,
	BaseDelay:       time.Second,
	MaxDelay:        30 * time.Second,
	Jitter:          true,
}

// Validate checks the retry policy configuration.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return &ValidationError{Field: "max_attempts", Reason: "must be positive"}
	}
	switch p.BackoffStrategy {
	case BackoffLinear, BackoffExponential, BackoffFixed:
	default:
		return &ValidationError{Field: "backoff_strategy", Reason: fmt.Sprintf("unknown strategy %q", p.BackoffStrategy)}
	}
	if p.BaseDelay <= 0 {
		return &ValidationError{Field: "base_delay", Reason: "must be positive"}
	}
	if p.MaxDelay < p.BaseDelay {
		return &ValidationError{Field: "max_delay", Reason: "must be >= base_delay"}
	}
	return nil
}

// EventRoute binds filters to target agents with a delivery policy:
// if an event matches these filters, deliver to these agents.
type EventRoute struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	SourceFilters []EventFilter `json:"source_filters"`
	TargetAgents  []string      `json:"target_agents"`
	Priority      int           `json:"priority"`
	RetryPolicy   RetryPolicy   `json:"retry_policy"`
	Enabled       bool          `json:"enabled"`
}

// Validate checks the route and all its filters. Surfaced synchronously to
// whoever is mutating routes; an invalid route never reaches the engine.
func (r EventRoute) Validate() error {
	if r.Name == "" {
		return &ValidationError{Field: "name", Reason: "name is required"}
	}
	if len(r.TargetAgents) == 0 {
		return &ValidationError{Field: "target_agents", Reason: "at least one target agent is required"}
	}
	for i, agent := range r.TargetAgents {
		if agent == "" {
			return &ValidationError{Field: fmt.Sprintf("target_agents[%d]", i), Reason: "agent id must not be empty"}
		}
	}
	if len(r.SourceFilters) == 0 {
		return &ValidationError{Field: "source_filters", Reason: "at least one filter is required"}
	}
	for i, f := range r.SourceFilters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("source_filters[%d]: %w", i, err)
		}
	}
	if err := r.RetryPolicy.Validate(); err != nil {
		return fmt.Errorf("retry_policy: %w", err)
	}
	return nil
}

// EnsureIDs assigns generated IDs to the route and any filters lacking one.
func (r *EventRoute) EnsureIDs() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	for i := range r.SourceFilters {
		r.SourceFilters[i].EnsureID()
	}
}
