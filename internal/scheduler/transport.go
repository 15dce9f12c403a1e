package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ashita-ai/nagare/internal/model"
)

// Transport is the injected delivery capability. A call either succeeds or
// returns an error; a timeout is a failure for retry purposes. The concrete
// mechanism (HTTP push, internal dispatch, message bus) is the caller's
// choice.
type Transport interface {
	Deliver(ctx context.Context, targetAgent string, event model.Event) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, targetAgent string, event model.Event) error

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, targetAgent string, event model.Event) error {
	return f(ctx, targetAgent, event)
}

// HTTPTransport delivers events by POSTing them to per-agent callback URLs
// under a base URL: POST {base}/agents/{target}/events.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport creates an HTTP callback transport. The per-attempt
// timeout comes from the context the scheduler passes to Deliver.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{base: baseURL, client: &http.Client{}}
}

// Deliver POSTs the event to the target's callback endpoint. Any network
// error or non-2xx status is a delivery failure.
func (t *HTTPTransport) Deliver(ctx context.Context, targetAgent string, event model.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("transport: marshal event %s: %w", event.ID, err)
	}

	endpoint := fmt.Sprintf("%s/agents/%s/events", t.base, url.PathEscape(targetAgent))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("transport: %s returned status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// LogTransport logs deliveries and reports success. Development default when
// no callback base URL is configured.
type LogTransport struct {
	Logger *slog.Logger
}

// Deliver logs the delivery.
func (t LogTransport) Deliver(_ context.Context, targetAgent string, event model.Event) error {
	t.Logger.Info("transport: delivered (log only)",
		"target", targetAgent, "event_id", event.ID, "event_type", event.Type)
	return nil
}
