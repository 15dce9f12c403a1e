package model

import "time"

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// IngestResponse is the response body for POST /v1/events. Delivery is
// asynchronous: TaskCount reports how many durable tasks were produced,
// not how many deliveries succeeded.
type IngestResponse struct {
	EventID   string       `json:"event_id"`
	TaskCount int          `json:"task_count"`
	Meta      ResponseMeta `json:"meta"`
}

// TokenResponse is the response body for POST /v1/auth/token. The token
// authenticates stream handshakes for the named agent.
type TokenResponse struct {
	Token     string       `json:"token"`
	AgentID   string       `json:"agent_id"`
	ExpiresAt time.Time    `json:"expires_at"`
	Meta      ResponseMeta `json:"meta"`
}

// RouteResponse wraps a single route.
type RouteResponse struct {
	Route EventRoute   `json:"route"`
	Meta  ResponseMeta `json:"meta"`
}

// RouteListResponse wraps the route list.
type RouteListResponse struct {
	Routes []EventRoute `json:"routes"`
	Meta   ResponseMeta `json:"meta"`
}

// ConnectionListResponse wraps the active connection list.
type ConnectionListResponse struct {
	Connections []StreamConnection `json:"connections"`
	Meta        ResponseMeta       `json:"meta"`
}

// DeadLetterListResponse wraps the dead-letter list.
type DeadLetterListResponse struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
	Meta        ResponseMeta `json:"meta"`
}
