package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCounters is an in-memory CounterStore with the same fixed-window
// semantics as the durable store.
type memCounters struct {
	counts map[string]int64
}

func newMemCounters() *memCounters {
	return &memCounters{counts: make(map[string]int64)}
}

func (m *memCounters) IncrementCounter(key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	windowStart := now.Truncate(window)
	full := key + "|" + windowStart.Format(time.RFC3339Nano)
	m.counts[full]++
	return m.counts[full], windowStart.Add(window), nil
}

func TestStoreLimiterThreshold(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	l := NewStoreLimiter(newMemCounters())
	l.now = func() time.Time { return now }

	rule := Rule{Prefix: "ingest", Limit: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		res, err := l.Admit(context.Background(), rule, "github", "push")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(4-i), res.Remaining)
	}

	res, err := l.Admit(context.Background(), rule, "github", "push")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "sixth admission in the window is rejected")
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, now.Add(time.Minute), res.ResetAt)

	// The next window starts fresh.
	now = now.Add(time.Minute)
	res, err = l.Admit(context.Background(), rule, "github", "push")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestStoreLimiterIndependentIdentifiers(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	l := NewStoreLimiter(newMemCounters())
	l.now = func() time.Time { return now }

	rule := Rule{Prefix: "ingest", Limit: 1, Window: time.Minute}

	res, err := l.Admit(context.Background(), rule, "github", "push")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Admit(context.Background(), rule, "github", "push")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// A different identifier under the same source has its own budget.
	res, err = l.Admit(context.Background(), rule, "github", "pull_request")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Same identifier under a different prefix has its own budget too.
	res, err = l.Admit(context.Background(), Rule{Prefix: "target", Limit: 1, Window: time.Minute}, "github", "push")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestResultRetryAfterFloor(t *testing.T) {
	r := Result{ResetAt: time.Now().Add(100 * time.Millisecond)}
	assert.Equal(t, time.Second, r.RetryAfter())

	r = Result{ResetAt: time.Now().Add(10 * time.Second)}
	assert.InDelta(t, float64(10*time.Second), float64(r.RetryAfter()), float64(time.Second))
}

func TestFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 8, 28, 12, 1, 0, 0, time.UTC)
	r := Result{Limit: 300, Remaining: 42, ResetAt: resetAt}

	headers := r.FormatHeaders()
	assert.Equal(t, "300", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, "1787918460", headers["X-RateLimit-Reset"])
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	l := NoopLimiter{}
	rule := Rule{Prefix: "ingest", Limit: 1, Window: time.Minute}
	for i := 0; i < 10; i++ {
		res, err := l.Admit(context.Background(), rule, "github", "push")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestStoreLimiterUnlimitedRule(t *testing.T) {
	counters := newMemCounters()
	l := NewStoreLimiter(counters)

	// A zero or negative limit means unlimited: every admission is allowed
	// and the counter store is never touched.
	for _, rule := range []Rule{{}, {Prefix: "ingest", Limit: -1, Window: time.Minute}} {
		for i := 0; i < 10; i++ {
			res, err := l.Admit(context.Background(), rule, "github", "push")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		}
	}
	assert.Empty(t, counters.counts)
}
