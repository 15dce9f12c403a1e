package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/nagare/internal/model"
)

// Sender is the uniform live-connection transport: push-socket and
// event-stream connections both reduce to "send these bytes or fail".
type Sender interface {
	// Send delivers one frame. It must respect ctx so a slow or dead
	// consumer fails the send instead of blocking the caller.
	Send(ctx context.Context, data []byte) error
	// Close releases transport resources. Must be idempotent.
	Close() error
}

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("stream: sender closed")

// frame is the wire envelope for live deliveries and heartbeats.
type frame struct {
	Type  string       `json:"type"` // "event" or "heartbeat"
	Event *model.Event `json:"event,omitempty"`
	At    time.Time    `json:"at"`
}

func eventFrame(event model.Event) ([]byte, error) {
	return json.Marshal(frame{Type: "event", Event: &event, At: time.Now().UTC()})
}

func heartbeatFrame() []byte {
	data, err := json.Marshal(frame{Type: "heartbeat", At: time.Now().UTC()})
	if err != nil {
		return []byte(`{"type":"heartbeat"}`)
	}
	return data
}

// ChannelSender buffers frames for a reader goroutine (the SSE handler).
// A full buffer means the consumer is not keeping up; Send fails rather
// than waiting past ctx, so one slow stream never delays the broadcast.
type ChannelSender struct {
	ch        chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelSender creates a sender with the given buffer size.
func NewChannelSender(buffer int) *ChannelSender {
	return &ChannelSender{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Frames returns the channel the consumer reads from. It is never closed;
// consumers select on Done to observe shutdown.
func (s *ChannelSender) Frames() <-chan []byte { return s.ch }

// Done is closed when the sender shuts down.
func (s *ChannelSender) Done() <-chan struct{} { return s.done }

// Send enqueues a frame, failing when the buffer stays full past ctx.
func (s *ChannelSender) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return ErrSenderClosed
	default:
	}
	select {
	case s.ch <- data:
		return nil
	case <-s.done:
		return ErrSenderClosed
	case <-ctx.Done():
		return fmt.Errorf("stream: send: %w", ctx.Err())
	}
}

// Close signals shutdown via the done channel. The frame channel stays
// open: a broadcast Send racing Close may already have committed to the
// enqueue case, and sending on a closed channel panics. Safe to call twice.
func (s *ChannelSender) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// FormatSSE formats a frame as a Server-Sent Events message.
func FormatSSE(eventType string, data []byte) []byte {
	return []byte("event: " + eventType + "\ndata: " + string(data) + "\n\n")
}

// WSSender wraps a websocket connection with a dedicated write pump, so
// Send never touches the connection from more than one goroutine.
type WSSender struct {
	conn      *websocket.Conn
	ch        chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSSender creates a websocket sender and starts its write pump.
func NewWSSender(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *WSSender {
	s := &WSSender{
		conn: conn,
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go s.writePump(writeTimeout)
	return s
}

func (s *WSSender) writePump(writeTimeout time.Duration) {
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = s.conn.Close()
			return
		case data := <-s.ch:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// The heartbeat loop observes the dead connection via a
				// failed Send once the buffer backs up; nothing to do here.
				return
			}
		}
	}
}

// Send enqueues a frame for the write pump.
func (s *WSSender) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return ErrSenderClosed
	default:
	}
	select {
	case s.ch <- data:
		return nil
	case <-s.done:
		return ErrSenderClosed
	case <-ctx.Done():
		return fmt.Errorf("stream: send: %w", ctx.Err())
	}
}

// Close stops the write pump and closes the connection. Safe to call twice.
func (s *WSSender) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
