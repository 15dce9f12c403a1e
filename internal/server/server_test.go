package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/filter"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/pipeline"
	"github.com/ashita-ai/nagare/internal/ratelimit"
	"github.com/ashita-ai/nagare/internal/routing"
	"github.com/ashita-ai/nagare/internal/scheduler"
	"github.com/ashita-ai/nagare/internal/server"
	"github.com/ashita-ai/nagare/internal/store"
	"github.com/ashita-ai/nagare/internal/stream"
)

const testAPIKey = "test-api-key"

type fixture struct {
	handler  http.Handler
	st       *store.Store
	registry *routing.Registry
	streamer *stream.Streamer
	jwtMgr   *auth.JWTManager
}

func newFixture(t *testing.T, limiter ratelimit.Limiter, engineCfg routing.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	filters := filter.New(logger)
	registry := routing.NewRegistry()
	engine := routing.New(registry, filters, limiter, logger, engineCfg)
	sched := scheduler.New(st, &scheduler.LogTransport{Logger: logger}, logger, scheduler.Config{})
	streamer := stream.New(filters, st, logger, stream.Config{})
	pipe := pipeline.New(engine, sched, streamer, logger)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	keyHash, err := auth.HashAPIKey(testAPIKey)
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Pipeline:            pipe,
		Registry:            registry,
		Scheduler:           sched,
		Streamer:            streamer,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		APIKeyHash:          keyHash,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		StreamBufferSize:    16,
		StreamWriteWait:     time.Second,
	})

	return &fixture{
		handler:  srv.Handler(),
		st:       st,
		registry: registry,
		streamer: streamer,
		jwtMgr:   jwtMgr,
	}
}

func newTestFixture(t *testing.T) *fixture {
	return newFixture(t, ratelimit.NoopLimiter{}, routing.Config{})
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func testRoute(target string) model.EventRoute {
	return model.EventRoute{
		Name: "github to " + target,
		SourceFilters: []model.EventFilter{{
			Name:    "github pushes",
			Source:  "github",
			Action:  model.ActionInclude,
			Enabled: true,
		}},
		TargetAgents: []string{target},
		RetryPolicy:  model.DefaultRetryPolicy,
		Enabled:      true,
	}
}

func TestHealth(t *testing.T) {
	f := newTestFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestAPIKeyRequired(t *testing.T) {
	f := newTestFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/routes", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/routes", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	apiErr := decodeBody[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestIngest(t *testing.T) {
	f := newTestFixture(t)

	created := f.do(t, http.MethodPost, "/v1/routes", testRoute("review-agent"))
	require.Equal(t, http.StatusCreated, created.Code)

	rec := f.do(t, http.MethodPost, "/v1/events", model.Event{
		Type:    "push",
		Source:  "github",
		Payload: map[string]any{"ref": "refs/heads/main"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeBody[model.IngestResponse](t, rec)
	assert.NotEmpty(t, resp.EventID)
	assert.Equal(t, 1, resp.TaskCount)

	depth, err := f.st.QueueDepth("review-agent")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestIngestUnroutedIsNoOp(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/events", model.Event{Type: "push", Source: "gitlab"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[model.IngestResponse](t, rec)
	assert.Zero(t, resp.TaskCount)
}

func TestIngestValidation(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/events", model.Event{Type: "push"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/events", map[string]any{"type": "push", "source": "github", "bogus": true})
	require.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestIngestTooManyRequests(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrStore, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrStore.Close() })

	f := newFixture(t, ratelimit.NewStoreLimiter(ctrStore), routing.Config{
		IngestRule: ratelimit.Rule{Prefix: "ingest", Limit: 2, Window: time.Minute},
	})

	created := f.do(t, http.MethodPost, "/v1/routes", testRoute("review-agent"))
	require.Equal(t, http.StatusCreated, created.Code)

	event := model.Event{Type: "push", Source: "github"}
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/v1/events", event)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/events", event)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	apiErr := decodeBody[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)

	depth, err := f.st.QueueDepth("review-agent")
	require.NoError(t, err)
	assert.Equal(t, 2, depth, "rejected events produce no tasks")
}

func TestRouteCRUD(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/routes", testRoute("review-agent"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[model.RouteResponse](t, rec)
	require.NotEmpty(t, created.Route.ID)
	routeID := created.Route.ID

	rec = f.do(t, http.MethodGet, "/v1/routes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[model.RouteListResponse](t, rec)
	require.Len(t, list.Routes, 1)

	rec = f.do(t, http.MethodGet, "/v1/routes/"+routeID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/routes/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	updated := created.Route
	updated.Name = "renamed"
	rec = f.do(t, http.MethodPut, "/v1/routes/"+routeID, updated)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[model.RouteResponse](t, rec)
	assert.Equal(t, "renamed", got.Route.Name)

	rec = f.do(t, http.MethodDelete, "/v1/routes/"+routeID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/routes/"+routeID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteValidationRejected(t *testing.T) {
	f := newTestFixture(t)

	bad := testRoute("review-agent")
	bad.TargetAgents = nil
	rec := f.do(t, http.MethodPost, "/v1/routes", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	apiErr := decodeBody[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
	assert.Contains(t, apiErr.Error.Message, "target_agents")
}

func TestRouteEnableDisable(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/routes", testRoute("review-agent"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[model.RouteResponse](t, rec)
	routeID := created.Route.ID
	filterID := created.Route.SourceFilters[0].ID

	rec = f.do(t, http.MethodPost, "/v1/routes/"+routeID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[model.RouteResponse](t, rec)
	assert.False(t, got.Route.Enabled)

	// Disabled routes produce no tasks.
	ing := f.do(t, http.MethodPost, "/v1/events", model.Event{Type: "push", Source: "github"})
	require.Equal(t, http.StatusAccepted, ing.Code)
	assert.Zero(t, decodeBody[model.IngestResponse](t, ing).TaskCount)

	rec = f.do(t, http.MethodPost, "/v1/routes/"+routeID+"/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[model.RouteResponse](t, rec).Route.Enabled)

	rec = f.do(t, http.MethodPost, "/v1/routes/"+routeID+"/filters/"+filterID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[model.RouteResponse](t, rec).Route.SourceFilters[0].Enabled)

	rec = f.do(t, http.MethodPost, "/v1/routes/"+routeID+"/filters/nope/enable", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/routes/nope/enable", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newTestFixture(t)

	task := model.NewRetryableEvent(
		model.NewEvent("push", "github", nil),
		"review-agent", "route-1", model.DefaultRetryPolicy, time.Now().UTC(),
	)
	task.AttemptCount = task.RetryPolicy.MaxAttempts
	require.NoError(t, f.st.DeadLetter(model.DeadLetter{
		Task:           task,
		Reason:         "max attempts exhausted",
		DeadLetteredAt: time.Now().UTC(),
	}))

	rec := f.do(t, http.MethodGet, "/v1/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[model.DeadLetterListResponse](t, rec)
	require.Len(t, list.DeadLetters, 1)
	assert.Equal(t, task.ID, list.DeadLetters[0].Task.ID)

	rec = f.do(t, http.MethodPost, "/v1/deadletters/"+task.ID+"/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Requeue drains the dead-letter list and restores the retry budget.
	list = decodeBody[model.DeadLetterListResponse](t, f.do(t, http.MethodGet, "/v1/deadletters", nil))
	assert.Empty(t, list.DeadLetters)
	depth, err := f.st.QueueDepth("review-agent")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	rec = f.do(t, http.MethodPost, "/v1/deadletters/"+task.ID+"/requeue", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	other := task
	other.ID = "other-task"
	require.NoError(t, f.st.DeadLetter(model.DeadLetter{Task: other, Reason: "max attempts exhausted", DeadLetteredAt: time.Now().UTC()}))

	rec = f.do(t, http.MethodDelete, "/v1/deadletters/other-task", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/v1/deadletters/other-task", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListConnections(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/connections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[model.ConnectionListResponse](t, rec).Connections)

	_, err := f.streamer.Connect("review-agent", nil, model.TransportEventStream, stream.NewChannelSender(4))
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/v1/connections", nil)
	list := decodeBody[model.ConnectionListResponse](t, rec)
	require.Len(t, list.Connections, 1)
	assert.Equal(t, "review-agent", list.Connections[0].AgentID)
}

func TestStreamSSEUnauthorized(t *testing.T) {
	f := newTestFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/stream?token=garbage", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamSSEDeliversEvents(t *testing.T) {
	f := newTestFixture(t)

	token, err := f.jwtMgr.Generate("review-agent")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/stream?token="+token, nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool {
		return len(f.streamer.Connections()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := model.NewEvent("push", "github", map[string]any{"ref": "refs/heads/main"})
	sent := f.streamer.Broadcast(context.Background(), event, []string{"review-agent"})
	assert.Equal(t, 1, sent)

	// Give the handler a beat to flush before tearing the request down.
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not stop after context cancel")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Connection-ID"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: event")
	assert.Contains(t, body, event.ID)

	// Disconnect on handler exit removes the registry entry.
	assert.Empty(t, f.streamer.Connections())
}

func TestStreamWSUnauthorized(t *testing.T) {
	f := newTestFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/stream/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamWSDeliversEvents(t *testing.T) {
	f := newTestFixture(t)

	// The upgrade hijacks the TCP connection through the full middleware
	// stack, so this needs a real listener rather than a recorder.
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	token, err := f.jwtMgr.Generate("review-agent")
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "handshake must survive the logging middleware")
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(f.streamer.Connections()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := model.NewEvent("push", "github", map[string]any{"ref": "refs/heads/main"})
	sent := f.streamer.Broadcast(context.Background(), event, []string{"review-agent"})
	assert.Equal(t, 1, sent)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type  string       `json:"type"`
		Event *model.Event `json:"event"`
	}
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == "event" {
			break
		}
	}
	require.NotNil(t, frame.Event)
	assert.Equal(t, event.ID, frame.Event.ID)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	// The read pump observes the close and deregisters the connection.
	assert.Eventually(t, func() bool {
		return len(f.streamer.Connections()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIssueToken(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/auth/token", map[string]any{"agent_id": "review-agent"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[model.TokenResponse](t, rec)
	assert.Equal(t, "review-agent", resp.AgentID)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	claims, err := f.jwtMgr.Validate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "review-agent", claims.AgentID)

	rec = f.do(t, http.MethodPost, "/v1/auth/token", map[string]any{"agent_id": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpenAPIDocument(t *testing.T) {
	f := newTestFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/openapi.yaml", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "openapi: 3.1.0")
}

func TestRequestIDPropagation(t *testing.T) {
	f := newTestFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestBodyTooLarge(t *testing.T) {
	f := newTestFixture(t)

	big := fmt.Sprintf(`{"type":"push","source":"github","payload":{"blob":%q}}`,
		strings.Repeat("x", 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(big))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
