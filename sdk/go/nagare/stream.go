package nagare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one message from a live event stream. Heartbeat frames carry no
// event.
type Frame struct {
	Type  string    `json:"type"` // "event" or "heartbeat"
	Event *Event    `json:"event,omitempty"`
	At    time.Time `json:"at"`
}

// Stream is a live websocket subscription to matched events. Frames are
// delivered on Frames until the stream is closed or fails; afterwards Err
// reports why it ended.
type Stream struct {
	conn    *websocket.Conn
	frames  chan Frame
	done    chan struct{}
	closing atomic.Bool
	err     error
}

// StreamOptions configure a Stream subscription.
type StreamOptions struct {
	// Filters narrow which events the connection receives. Nil receives
	// every event delivered to the agent.
	Filters []EventFilter

	// Buffer is the frame channel capacity. Defaults to 64.
	Buffer int
}

// Stream opens a live websocket subscription for the given agent. A stream
// token is obtained automatically. Cancel ctx or call Close to end the
// subscription.
func (c *Client) Stream(ctx context.Context, agentID string, opts *StreamOptions) (*Stream, error) {
	token, err := c.IssueToken(ctx, agentID)
	if err != nil {
		return nil, err
	}

	wsURL, err := streamURL(c.baseURL, token.Token, opts)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &Error{StatusCode: resp.StatusCode, Code: "UNAUTHORIZED", Message: "stream token rejected"}
		}
		return nil, fmt.Errorf("nagare: dial stream: %w", err)
	}

	buffer := 64
	if opts != nil && opts.Buffer > 0 {
		buffer = opts.Buffer
	}
	s := &Stream{
		conn:   conn,
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Frames returns the channel of incoming frames. Closed when the stream ends.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// UpdateFilters replaces the subscription's filters in place, without
// reconnecting.
func (s *Stream) UpdateFilters(filters []EventFilter) error {
	msg := map[string]any{"type": "update_filters", "filters": filters}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("nagare: update filters: %w", err)
	}
	return nil
}

// Close ends the subscription. Safe to call more than once.
func (s *Stream) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// Err reports why the stream ended. Nil while the stream is live or after a
// clean close.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Stream) readLoop() {
	defer close(s.frames)
	defer close(s.done)
	defer s.conn.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			clean := s.closing.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !clean {
				s.err = fmt.Errorf("nagare: stream read: %w", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		s.frames <- frame
	}
}

func streamURL(baseURL, token string, opts *StreamOptions) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("nagare: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/stream/ws"

	q := u.Query()
	q.Set("token", token)
	if opts != nil && len(opts.Filters) > 0 {
		encoded, err := json.Marshal(opts.Filters)
		if err != nil {
			return "", fmt.Errorf("nagare: marshal filters: %w", err)
		}
		q.Set("filters", string(encoded))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
