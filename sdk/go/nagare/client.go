package nagare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Nagare server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey authenticates ingestion and administrative calls.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Nagare event-routing API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("nagare: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("nagare: APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// Ingest submits an event for routing. The result reports how many durable
// delivery tasks were produced; delivery itself is asynchronous.
func (c *Client) Ingest(ctx context.Context, event Event) (*IngestResult, error) {
	var resp IngestResult
	if err := c.post(ctx, "/v1/events", event, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IssueToken obtains a stream token for an agent. The token authenticates
// Stream and the raw SSE/websocket endpoints.
func (c *Client) IssueToken(ctx context.Context, agentID string) (*Token, error) {
	body := map[string]any{"agent_id": agentID}
	var resp Token
	if err := c.post(ctx, "/v1/auth/token", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

// CreateRoute registers a new route. Server-assigned IDs are filled in on
// the returned route.
func (c *Client) CreateRoute(ctx context.Context, route EventRoute) (*EventRoute, error) {
	var resp routeResponse
	if err := c.post(ctx, "/v1/routes", route, &resp); err != nil {
		return nil, err
	}
	return &resp.Route, nil
}

// GetRoute retrieves a route by ID.
func (c *Client) GetRoute(ctx context.Context, routeID string) (*EventRoute, error) {
	var resp routeResponse
	if err := c.get(ctx, "/v1/routes/"+routeID, &resp); err != nil {
		return nil, err
	}
	return &resp.Route, nil
}

// ListRoutes returns all routes, ordered by priority descending.
func (c *Client) ListRoutes(ctx context.Context) ([]EventRoute, error) {
	var resp routeListResponse
	if err := c.get(ctx, "/v1/routes", &resp); err != nil {
		return nil, err
	}
	return resp.Routes, nil
}

// UpdateRoute replaces a route. The ID on the route selects the target.
func (c *Client) UpdateRoute(ctx context.Context, route EventRoute) (*EventRoute, error) {
	var resp routeResponse
	if err := c.put(ctx, "/v1/routes/"+route.ID, route, &resp); err != nil {
		return nil, err
	}
	return &resp.Route, nil
}

// DeleteRoute removes a route. Already-enqueued tasks still deliver.
func (c *Client) DeleteRoute(ctx context.Context, routeID string) error {
	return c.doDelete(ctx, "/v1/routes/"+routeID, nil)
}

// SetRouteEnabled enables or disables a route without removing it.
func (c *Client) SetRouteEnabled(ctx context.Context, routeID string, enabled bool) (*EventRoute, error) {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	var resp routeResponse
	if err := c.post(ctx, "/v1/routes/"+routeID+"/"+verb, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Route, nil
}

// SetFilterEnabled enables or disables one filter on a route.
func (c *Client) SetFilterEnabled(ctx context.Context, routeID, filterID string, enabled bool) (*EventRoute, error) {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	var resp routeResponse
	if err := c.post(ctx, "/v1/routes/"+routeID+"/filters/"+filterID+"/"+verb, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Route, nil
}

// ---------------------------------------------------------------------------
// Operator visibility
// ---------------------------------------------------------------------------

// ListConnections returns the live stream connections on the server.
func (c *Client) ListConnections(ctx context.Context) ([]StreamConnection, error) {
	var resp connectionListResponse
	if err := c.get(ctx, "/v1/connections", &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// ListDeadLetters returns tasks that exhausted their retry budget.
func (c *Client) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var resp deadLetterListResponse
	if err := c.get(ctx, "/v1/deadletters", &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// RequeueDeadLetter resets a dead letter's retry budget and enqueues it as
// due immediately.
func (c *Client) RequeueDeadLetter(ctx context.Context, taskID string) (*RetryableEvent, error) {
	var resp requeueResponse
	if err := c.post(ctx, "/v1/deadletters/"+taskID+"/requeue", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Task, nil
}

// PurgeDeadLetter permanently removes a dead letter.
func (c *Client) PurgeDeadLetter(ctx context.Context, taskID string) error {
	return c.doDelete(ctx, "/v1/deadletters/"+taskID, nil)
}

// Health checks the server's health. Does not require credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("nagare: create request: %w", err)
	}
	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nagare: GET /healthz: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp Health
	if err := handleResponse(httpResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("nagare: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("nagare: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doRequest(req, dest)
}

func (c *Client) put(ctx context.Context, path string, body, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("nagare: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("nagare: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("nagare: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("nagare: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("nagare: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("nagare: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("nagare: decode response: %w", err)
	}
	return nil
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseErrorResponse(resp *http.Response, body []byte) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = string(body)
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
