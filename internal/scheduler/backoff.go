package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/ashita-ai/nagare/internal/model"
)

// Delay computes the backoff delay before the next attempt, given the number
// of attempts already made. The result is clamped to the policy's MaxDelay
// and is always positive, so NextRetryTime stays strictly increasing.
// Jitter is applied separately (see withJitter) to keep this function
// deterministic for callers that need the pre-jitter value.
func Delay(policy model.RetryPolicy, attemptCount int) time.Duration {
	var d time.Duration
	switch policy.BackoffStrategy {
	case model.BackoffLinear:
		d = policy.BaseDelay * time.Duration(attemptCount+1)
	case model.BackoffExponential:
		if attemptCount >= 62 || policy.BaseDelay > policy.MaxDelay>>uint(attemptCount) {
			return policy.MaxDelay
		}
		d = policy.BaseDelay << uint(attemptCount)
	case model.BackoffFixed:
		d = policy.BaseDelay
	default:
		d = policy.BaseDelay
	}
	if d > policy.MaxDelay || d <= 0 {
		d = policy.MaxDelay
	}
	return d
}

// withJitter scales d by a uniform random factor in [0.5, 1.0].
func withJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()/2)) //nolint:gosec // jitter doesn't need crypto-strength randomness
}

// nextDelay is the full backoff computation for one failed attempt.
func nextDelay(policy model.RetryPolicy, attemptCount int) time.Duration {
	d := Delay(policy, attemptCount)
	if policy.Jitter {
		d = withJitter(d)
	}
	return d
}
