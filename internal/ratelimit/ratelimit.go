// Package ratelimit provides per-(source, identifier) admission control over
// durable fixed-window counters.
//
// The counter store is shared and transactional, so admission decisions hold
// under concurrent callers: the increment-and-check is one atomic operation
// against the store. The Limiter interface is the contract; tests and
// deployments with limiting disabled use NoopLimiter.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Rule describes one admission budget: at most Limit admissions per Window,
// scoped under Prefix so independent rules never share counters. A Limit of
// zero or less means unlimited; the zero-value Rule admits everything.
type Rule struct {
	Prefix string
	Limit  int64
	Window time.Duration
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns the time remaining until the window resets, floored at
// one second so clients never busy-loop on a sub-second hint.
func (r Result) RetryAfter() time.Duration {
	d := time.Until(r.ResetAt)
	if d < time.Second {
		return time.Second
	}
	return d
}

// FormatHeaders returns the standard rate-limit response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(r.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(r.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether an admission identified by (source, identifier)
// should be allowed under a rule. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Admit consumes one unit of the rule's budget for (source, identifier).
	// An error signals a limiter malfunction; callers treat errors as
	// fail-open rather than blocking traffic.
	Admit(ctx context.Context, rule Rule, source, identifier string) (Result, error)

	// Close releases resources.
	Close() error
}

// NoopLimiter permits every admission. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Admit always allows.
func (NoopLimiter) Admit(_ context.Context, rule Rule, _, _ string) (Result, error) {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// CounterStore is the durable counter dependency, satisfied by *store.Store.
type CounterStore interface {
	IncrementCounter(key string, window time.Duration, now time.Time) (int64, time.Time, error)
}

// StoreLimiter implements Limiter over a durable counter store using fixed
// windows keyed by (source, identifier, window).
type StoreLimiter struct {
	counters CounterStore

	// now is injectable for tests.
	now func() time.Time
}

// NewStoreLimiter creates a limiter over the given counter store.
func NewStoreLimiter(counters CounterStore) *StoreLimiter {
	return &StoreLimiter{counters: counters, now: time.Now}
}

// Admit atomically increments the counter for the current window and checks
// it against the rule's limit. Unlimited rules allow without touching the
// counter store.
func (l *StoreLimiter) Admit(_ context.Context, rule Rule, source, identifier string) (Result, error) {
	if rule.Limit <= 0 {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf("%s:%s:%s", rule.Prefix, source, identifier)
	count, resetAt, err := l.counters.IncrementCounter(key, rule.Window, l.now())
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Close is a no-op; the counter store is owned by the caller.
func (l *StoreLimiter) Close() error { return nil }
