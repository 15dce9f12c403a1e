package model

import (
	"time"

	"github.com/google/uuid"
)

// RetryableEvent is one pending delivery of one event to one target agent.
// Created by the routing engine, enqueued in the target's durable queue,
// attempted by the delivery scheduler, and either removed on success,
// rescheduled with backoff on failure, or dead-lettered once AttemptCount
// reaches the policy's MaxAttempts.
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

// NewRetryableEvent creates a task due immediately for the given target.
func NewRetryableEvent(event Event, targetAgent, routeID string, policy RetryPolicy, now time.Time) RetryableEvent {
	return RetryableEvent{
		ID:            uuid.NewString(),
		Event:         event,
		TargetAgent:   targetAgent,
		RouteID:       routeID,
		RetryPolicy:   policy,
		AttemptCount:  0,
		NextRetryTime: now,
		CreatedAt:     now,
	}
}

// DeadLetter is a task that exhausted its retry budget. Held in durable
// storage for operator inspection; never re-enqueued automatically.
type DeadLetter struct {
	Task           RetryableEvent `json:"task"`
	Reason         string         `json:"reason"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}
