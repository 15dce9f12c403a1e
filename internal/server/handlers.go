package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/nagare/api"
	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/pipeline"
	"github.com/ashita-ai/nagare/internal/routing"
	"github.com/ashita-ai/nagare/internal/scheduler"
	"github.com/ashita-ai/nagare/internal/store"
	"github.com/ashita-ai/nagare/internal/stream"
)

// handlers holds HTTP handler dependencies.
type handlers struct {
	pipeline            *pipeline.Pipeline
	registry            *routing.Registry
	scheduler           *scheduler.Scheduler
	streamer            *stream.Streamer
	jwtMgr              *auth.JWTManager
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	streamBufferSize    int
	streamWriteWait     time.Duration
}

func newHandlers(cfg ServerConfig) *handlers {
	return &handlers{
		pipeline:            cfg.Pipeline,
		registry:            cfg.Registry,
		scheduler:           cfg.Scheduler,
		streamer:            cfg.Streamer,
		jwtMgr:              cfg.JWTMgr,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		streamBufferSize:    cfg.StreamBufferSize,
		streamWriteWait:     cfg.StreamWriteWait,
	}
}

// HandleHealth handles GET /healthz.
func (h *handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.startedAt).String(),
	})
}

// HandleIngest handles POST /v1/events. The body is an already-validated,
// already-authenticated event; routing happens synchronously (it is cheap),
// delivery is asynchronous. Delivery failures never surface here.
func (h *handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var event model.Event
	if err := decodeJSON(w, r, &event, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if event.Type == "" || event.Source == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "type and source are required")
		return
	}
	event.Normalize()

	count, err := h.pipeline.Ingest(r.Context(), event)
	if err != nil {
		var rlErr *model.RateLimitError
		if errors.As(err, &rlErr) && count == 0 {
			w.Header().Set("Retry-After", formatSeconds(rlErr.RetryAfter))
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, rlErr.Error())
			return
		}
		// Partial failures are logged inside the pipeline; the accepted
		// tasks are already durable, so the ingest still succeeded.
		h.logger.Warn("server: partial ingest", "event_id", event.ID, "error", err)
	}

	writeJSON(w, http.StatusAccepted, model.IngestResponse{
		EventID:   event.ID,
		TaskCount: count,
		Meta:      meta(r),
	})
}

// HandleIssueToken handles POST /v1/auth/token. The API key gates issuance;
// the returned JWT authenticates stream handshakes for one agent.
func (h *handlers) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}

	token, err := h.jwtMgr.Generate(req.AgentID)
	if err != nil {
		h.logger.Error("server: token issuance failed", "agent_id", req.AgentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, model.TokenResponse{
		Token:     token,
		AgentID:   req.AgentID,
		ExpiresAt: time.Now().UTC().Add(h.jwtMgr.Expiration()),
		Meta:      meta(r),
	})
}

// HandleOpenAPI handles GET /v1/openapi.yaml.
func (h *handlers) HandleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

// formatSeconds renders a duration as whole seconds for Retry-After.
func formatSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// HandleCreateRoute handles POST /v1/routes.
func (h *handlers) HandleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var route model.EventRoute
	if err := decodeJSON(w, r, &route, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	created, err := h.registry.AddRoute(route)
	if err != nil {
		var vErr *model.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, vErr.Error())
			return
		}
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, model.RouteResponse{Route: created, Meta: meta(r)})
}

// HandleListRoutes handles GET /v1/routes.
func (h *handlers) HandleListRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.RouteListResponse{Routes: h.registry.Routes(), Meta: meta(r)})
}

// HandleGetRoute handles GET /v1/routes/{route_id}.
func (h *handlers) HandleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := h.registry.Route(r.PathValue("route_id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, model.RouteResponse{Route: route, Meta: meta(r)})
}

// HandleUpdateRoute handles PUT /v1/routes/{route_id}. The route ID in the
// path wins over any ID in the body.
func (h *handlers) HandleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	var route model.EventRoute
	if err := decodeJSON(w, r, &route, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	route.ID = r.PathValue("route_id")

	if err := h.registry.UpdateRoute(route); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	updated, err := h.registry.Route(route.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "route lookup failed after update")
		return
	}
	writeJSON(w, http.StatusOK, model.RouteResponse{Route: updated, Meta: meta(r)})
}

// HandleDeleteRoute handles DELETE /v1/routes/{route_id}.
func (h *handlers) HandleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.RemoveRoute(r.PathValue("route_id")); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEnableRoute handles POST /v1/routes/{route_id}/enable.
func (h *handlers) HandleEnableRoute(w http.ResponseWriter, r *http.Request) {
	h.setRouteEnabled(w, r, true)
}

// HandleDisableRoute handles POST /v1/routes/{route_id}/disable.
func (h *handlers) HandleDisableRoute(w http.ResponseWriter, r *http.Request) {
	h.setRouteEnabled(w, r, false)
}

func (h *handlers) setRouteEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	routeID := r.PathValue("route_id")
	if err := h.registry.SetRouteEnabled(routeID, enabled); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	route, err := h.registry.Route(routeID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "route lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, model.RouteResponse{Route: route, Meta: meta(r)})
}

// HandleEnableFilter handles POST /v1/routes/{route_id}/filters/{filter_id}/enable.
func (h *handlers) HandleEnableFilter(w http.ResponseWriter, r *http.Request) {
	h.setFilterEnabled(w, r, true)
}

// HandleDisableFilter handles POST /v1/routes/{route_id}/filters/{filter_id}/disable.
func (h *handlers) HandleDisableFilter(w http.ResponseWriter, r *http.Request) {
	h.setFilterEnabled(w, r, false)
}

func (h *handlers) setFilterEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	routeID := r.PathValue("route_id")
	filterID := r.PathValue("filter_id")
	if err := h.registry.SetFilterEnabled(routeID, filterID, enabled); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	route, err := h.registry.Route(routeID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "route lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, model.RouteResponse{Route: route, Meta: meta(r)})
}

func (h *handlers) writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *model.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, vErr.Error())
	case errors.Is(err, routing.ErrRouteNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
	}
}

// HandleListConnections handles GET /v1/connections.
func (h *handlers) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.ConnectionListResponse{
		Connections: h.streamer.Connections(),
		Meta:        meta(r),
	})
}

// HandleListDeadLetters handles GET /v1/deadletters.
func (h *handlers) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.scheduler.DeadLetters()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "listing dead letters failed")
		return
	}
	writeJSON(w, http.StatusOK, model.DeadLetterListResponse{DeadLetters: letters, Meta: meta(r)})
}

// HandleRequeueDeadLetter handles POST /v1/deadletters/{task_id}/requeue.
func (h *handlers) HandleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	task, err := h.scheduler.RequeueDeadLetter(r.PathValue("task_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "dead letter not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "requeue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "meta": meta(r)})
}

// HandlePurgeDeadLetter handles DELETE /v1/deadletters/{task_id}.
func (h *handlers) HandlePurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.PurgeDeadLetter(r.PathValue("task_id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "dead letter not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "purge failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
