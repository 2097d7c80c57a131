// Package transport implements the wire-level session that keeps an agent
// run and a remote client (desktop app, browser tab, CLI) in sync over a
// long-lived connection. It owns framing, the per-client outbound queue,
// and the heartbeat/suspend/reconnect state machine; it knows nothing about
// agent turns themselves.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types exchanged over a Session. A session speaks newline-delimited
// JSON frames identical in shape regardless of direction.
const (
	FrameStreamStart     = "stream_start"
	FrameStreamChunk     = "stream_chunk"
	FrameStreamEnd       = "stream_end"
	FramePing            = "ping"
	FramePong            = "pong"
	FrameWorkItemUpdate  = "work_item_update"
	FrameRequest         = "request"
	FrameError           = "error"
)

// Frame is the wire envelope for everything a Session sends or receives.
type Frame struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts"`
}

const (
	// outboundQueueCapacity is the per-client buffered-frame limit. Once
	// full, the oldest queued frame is dropped to make room for the new
	// one — a client that stalls loses old stream_chunk/ping traffic
	// rather than stalling the whole runtime.
	outboundQueueCapacity = 100

	maxFramePayloadBytes = 1 << 20
	// pingInterval and pongWait implement spec's "heartbeat 30s with
	// 3-miss suspension": a ping goes out every 30s, and the connection
	// is treated as dead (Suspend) once 3 intervals pass with no pong
	// refreshing the read deadline.
	pingInterval = 30 * time.Second
	pongWait     = 3 * pingInterval
	writeWait    = 10 * time.Second

	// suspendGracePeriod is how long a Session stays Suspended (queue
	// retained, writes keep buffering) waiting for Reconnect before the
	// registry evicts it for good.
	suspendGracePeriod = 5 * time.Minute
)

// State is a Session's position in the connect/suspend/reconnect machine.
type State string

const (
	StateConnected State = "connected"
	StateSuspended State = "suspended"
	StateClosed    State = "closed"
)

// outboundQueue is a fixed-capacity, drop-oldest ring buffer of frames
// waiting to be written to the client.
type outboundQueue struct {
	mu    sync.Mutex
	items []*Frame
	cap   int
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = outboundQueueCapacity
	}
	return &outboundQueue{cap: capacity}
}

func (q *outboundQueue) push(f *Frame) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, f)
	return dropped
}

// drain removes and returns every queued frame, oldest first.
func (q *outboundQueue) drain() []*Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Session is one client's connection lifecycle: a websocket while connected,
// an outbound queue that survives disconnects, and a heartbeat that detects
// a silently-dead peer.
type Session struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	suspended time.Time

	queue *outboundQueue
	seq   int64

	wake   chan struct{}
	closed chan struct{}

	dropped atomic.Int64
}

// NewSession creates a Session bound to id, initially with no connection
// (State is suspended until Attach is called). Callers normally get a
// Session from Registry.Connect instead of constructing one directly.
func NewSession(id string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:        id,
		logger:    logger,
		state:     StateSuspended,
		suspended: time.Now(),
		queue:     newOutboundQueue(outboundQueueCapacity),
		closed:    make(chan struct{}),
	}
}

// ID returns the client-stable session identifier used to reconnect.
func (s *Session) ID() string { return s.id }

// State returns the session's current connect/suspend/closed state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dropped returns how many outbound frames have been evicted by the
// drop-oldest queue over this session's lifetime.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Attach binds conn to the session, starting (or resuming, on a reconnect)
// its read/write/heartbeat loops. Any frames queued while suspended are
// flushed to the new connection before new traffic is served.
func (s *Session) Attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateConnected
	wake := make(chan struct{}, 1)
	s.wake = wake
	s.mu.Unlock()

	conn.SetReadLimit(maxFramePayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writeLoop(conn, wake)
	go s.heartbeatLoop(conn)
}

// Suspend marks the session disconnected without discarding its queue,
// so a client that reconnects within suspendGracePeriod picks up exactly
// where it left off. The registry is responsible for evicting sessions
// that never reconnect.
func (s *Session) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateSuspended
	s.suspended = time.Now()
	s.conn = nil
}

// Expired reports whether a suspended session has sat past its grace
// period and should be evicted by the registry.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSuspended && now.Sub(s.suspended) > suspendGracePeriod
}

// Close permanently ends the session: no further Attach will succeed, and
// the queue is discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	close(s.closed)
	if conn != nil {
		_ = conn.Close()
	}
}

// Send enqueues payload as a frame of the given type. It never blocks: if
// the outbound queue is full, the oldest pending frame is dropped. Returns
// false if the frame was dropped to make room.
func (s *Session) Send(frameType string, runID string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	if len(data) > maxFramePayloadBytes {
		return false, fmt.Errorf("%s frame exceeds max payload size", frameType)
	}
	frame := &Frame{
		Type:      frameType,
		Seq:       atomic.AddInt64(&s.seq, 1),
		RunID:     runID,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	}
	dropped := s.queue.push(frame)
	if dropped {
		s.dropped.Add(1)
	}
	s.signal()
	return !dropped, nil
}

func (s *Session) signal() {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (s *Session) writeLoop(conn *websocket.Conn, wake <-chan struct{}) {
	for {
		select {
		case <-s.closed:
			return
		case <-wake:
			for _, frame := range s.queue.drain() {
				s.mu.Lock()
				current := s.conn
				s.mu.Unlock()
				if current != conn {
					// Reattached to a different connection; let the new
					// writeLoop take over draining.
					return
				}
				data, err := json.Marshal(frame)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					s.logger.Warn("transport write failed, suspending session", "session_id", s.id, "error", err)
					s.Suspend()
					return
				}
			}
		}
	}
}

func (s *Session) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn
			s.mu.Unlock()
			if current != conn {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("transport ping failed, suspending session", "session_id", s.id, "error", err)
				s.Suspend()
				return
			}
		}
	}
}

// ReadFrame blocks until a client frame arrives, the session is suspended
// by the peer disconnecting, or it is closed. Callers (typically an
// upgrade handler's read loop) call this in a loop and dispatch Frame.Type.
func (s *Session) ReadFrame() (*Frame, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("transport: session %s has no active connection", s.id)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.Suspend()
		return nil, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("transport: decode frame: %w", err)
	}
	return &frame, nil
}

// Upgrader wraps websocket.Upgrader with the defaults Registry.ServeHTTP uses.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}
