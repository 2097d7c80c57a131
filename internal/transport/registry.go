package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Registry tracks one Session per client ID, so a client that drops and
// reconnects (same ID, new TCP connection) resumes its suspended session
// and its queued-but-undelivered frames instead of starting over.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger

	frameMu sync.RWMutex
	onFrame FrameHandler

	stopSweep chan struct{}
}

// FrameHandler processes one client-to-server frame read off a Session.
// Registry itself knows nothing about what a frame's payload means — the
// caller (the process wiring Transport Session to an actual agent runtime)
// supplies this via SetFrameHandler.
type FrameHandler func(session *Session, frame *Frame)

// NewRegistry creates a Registry and starts its background sweep that
// evicts suspended sessions past their grace period.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{
		sessions:  make(map[string]*Session),
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	go reg.sweepLoop()
	return reg
}

// Close stops the eviction sweep and closes every tracked session.
func (r *Registry) Close() {
	close(r.stopSweep)
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Connect returns the Session for clientID, creating one if this is a new
// client or reusing (and reattaching) the existing one on reconnect.
func (r *Registry) Connect(clientID string, conn *websocket.Conn) *Session {
	r.mu.Lock()
	session, ok := r.sessions[clientID]
	if !ok {
		session = NewSession(clientID, r.logger)
		r.sessions[clientID] = session
	}
	r.mu.Unlock()
	session.Attach(conn)
	return session
}

// SetFrameHandler installs the callback invoked for every client-to-server
// frame the Handler's read loop receives, after the connect handshake.
func (r *Registry) SetFrameHandler(h FrameHandler) {
	r.frameMu.Lock()
	r.onFrame = h
	r.frameMu.Unlock()
}

// Get returns the session for clientID, if any is currently tracked.
func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Broadcast sends payload as a frame of the given type to every connected
// session (used for global notices; per-session updates should use
// Session.Send directly).
func (r *Registry) Broadcast(frameType string, payload any) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		_, _ = s.Send(frameType, "", payload)
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.evictExpired(time.Now())
		}
	}
}

func (r *Registry) evictExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.Expired(now) {
			s.Close()
			delete(r.sessions, id)
			r.logger.Info("transport session evicted after suspend grace period", "session_id", id)
		}
	}
}

// connectRequest is the client's first frame on a new or resumed connection.
type connectRequest struct {
	ClientID string `json:"client_id"`
}

// Handler upgrades incoming HTTP requests to websocket connections and
// binds them into the Registry by client ID. The first frame on any
// connection must be a FrameRequest carrying a connectRequest payload.
func (r *Registry) Handler() http.Handler {
	upgrader := Upgrader()
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != FrameRequest {
			_ = conn.Close()
			return
		}
		var connectReq connectRequest
		if err := json.Unmarshal(frame.Payload, &connectReq); err != nil || connectReq.ClientID == "" {
			_ = conn.Close()
			return
		}

		session := r.Connect(connectReq.ClientID, conn)
		r.logger.Info("transport session connected", "session_id", session.ID())

		for {
			clientFrame, err := session.ReadFrame()
			if err != nil {
				return
			}
			r.frameMu.RLock()
			handler := r.onFrame
			r.frameMu.RUnlock()
			if handler != nil {
				handler(session, clientFrame)
			}
		}
	})
}
