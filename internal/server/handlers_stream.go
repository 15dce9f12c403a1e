package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents connect from their own hosts, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamAuth extracts the agent ID from a bearer token or the token query
// parameter. Websocket clients cannot always set headers, hence the
// query-param fallback.
func (h *handlers) streamAuth(r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return "", false
	}
	claims, err := h.jwtMgr.Validate(token)
	if err != nil {
		return "", false
	}
	return claims.AgentID, true
}

// parseStreamFilters decodes the optional filters query parameter, a JSON
// array of event filters applied to this connection.
func parseStreamFilters(r *http.Request) ([]model.EventFilter, error) {
	raw := r.URL.Query().Get("filters")
	if raw == "" {
		return nil, nil
	}
	var filters []model.EventFilter
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil, err
	}
	return filters, nil
}

// HandleStreamSSE handles GET /v1/stream: a server-sent events connection
// that receives matching events as they are routed.
func (h *handlers) HandleStreamSSE(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.streamAuth(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or missing token")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}
	filters, err := parseStreamFilters(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid filters parameter")
		return
	}

	sender := stream.NewChannelSender(h.streamBufferSize)
	connID, err := h.streamer.Connect(agentID, filters, model.TransportEventStream, sender)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	defer h.streamer.Disconnect(connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Connection-ID", connID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("server: stream connected", "conn_id", connID, "agent_id", agentID, "transport", "sse")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sender.Done():
			return
		case data := <-sender.Frames():
			if _, err := w.Write(stream.FormatSSE(frameType(data), data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// frameType pulls the type field out of a frame so the SSE event name
// matches the payload ("event" or "heartbeat").
func frameType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return "message"
	}
	return head.Type
}

// wsClientMessage is what agents send over an established websocket.
type wsClientMessage struct {
	Type    string              `json:"type"`
	Filters []model.EventFilter `json:"filters,omitempty"`
}

// HandleStreamWS handles GET /v1/stream/ws: a websocket connection that
// receives matching events and accepts live filter updates.
func (h *handlers) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.streamAuth(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or missing token")
		return
	}
	filters, err := parseStreamFilters(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid filters parameter")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("server: websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	sender := stream.NewWSSender(ws, h.streamBufferSize, h.streamWriteWait)
	connID, err := h.streamer.Connect(agentID, filters, model.TransportPushSocket, sender)
	if err != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = ws.Close()
		return
	}
	defer h.streamer.Disconnect(connID)

	h.logger.Info("server: stream connected", "conn_id", connID, "agent_id", agentID, "transport", "websocket")

	// Read pump. The only inbound message is a filter update; anything
	// unreadable ends the connection.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("server: bad websocket message", "conn_id", connID, "error", err)
			continue
		}
		if msg.Type == "update_filters" {
			if err := h.streamer.UpdateFilters(connID, msg.Filters); err != nil {
				h.logger.Warn("server: filter update rejected", "conn_id", connID, "error", err)
			}
		}
	}
}
