package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/nagare/internal/model"
)

func TestDelayExponential(t *testing.T) {
	policy := model.RetryPolicy{
		MaxAttempts:     10,
		BackoffStrategy: model.BackoffExponential,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
	}

	assert.Equal(t, 1*time.Second, Delay(policy, 0))
	assert.Equal(t, 2*time.Second, Delay(policy, 1))
	assert.Equal(t, 4*time.Second, Delay(policy, 2))
	assert.Equal(t, 8*time.Second, Delay(policy, 3))
	assert.Equal(t, 16*time.Second, Delay(policy, 4))
	assert.Equal(t, 30*time.Second, Delay(policy, 5), "clamped to MaxDelay")
	assert.Equal(t, 30*time.Second, Delay(policy, 6))
}

func TestDelayExponentialNoOverflow(t *testing.T) {
	policy := model.RetryPolicy{
		BackoffStrategy: model.BackoffExponential,
		BaseDelay:       time.Second,
		MaxDelay:        time.Hour,
	}
	// A shift this large would overflow; the clamp must catch it.
	assert.Equal(t, time.Hour, Delay(policy, 100))
	assert.Equal(t, time.Hour, Delay(policy, 63))
}

func TestDelayLinear(t *testing.T) {
	policy := model.RetryPolicy{
		BackoffStrategy: model.BackoffLinear,
		BaseDelay:       2 * time.Second,
		MaxDelay:        7 * time.Second,
	}

	assert.Equal(t, 2*time.Second, Delay(policy, 0))
	assert.Equal(t, 4*time.Second, Delay(policy, 1))
	assert.Equal(t, 6*time.Second, Delay(policy, 2))
	assert.Equal(t, 7*time.Second, Delay(policy, 3), "clamped to MaxDelay")
}

func TestDelayFixed(t *testing.T) {
	policy := model.RetryPolicy{
		BackoffStrategy: model.BackoffFixed,
		BaseDelay:       5 * time.Second,
		MaxDelay:        30 * time.Second,
	}
	for attempt := 0; attempt < 6; attempt++ {
		assert.Equal(t, 5*time.Second, Delay(policy, attempt))
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	policy := model.RetryPolicy{
		BackoffStrategy: model.BackoffFixed,
		BaseDelay:       10 * time.Second,
		MaxDelay:        30 * time.Second,
		Jitter:          true,
	}
	for i := 0; i < 100; i++ {
		d := nextDelay(policy, 0)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}
