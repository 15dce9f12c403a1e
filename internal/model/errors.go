package model

import (
	"fmt"
	"time"
)

// ValidationError reports malformed filter or route configuration.
// Rejected synchronously at mutation time; never reaches routing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// RateLimitError reports a rejected admission. RetryAfter is the time
// remaining until the counter window resets.
type RateLimitError struct {
	Source     string
	Identifier string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s/%s, retry after %s", e.Source, e.Identifier, e.RetryAfter)
}

// DeliveryError reports a failed or timed-out transport call. Recoverable;
// drives the backoff path.
type DeliveryError struct {
	TargetAgent string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.TargetAgent, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TransformError reports a failed transform filter application. Logged by
// the caller; the payload is left unmutated and routing continues.
type TransformError struct {
	FilterID string
	Err      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform filter %s failed: %v", e.FilterID, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }
