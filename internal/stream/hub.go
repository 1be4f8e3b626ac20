package stream

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pinnokio/backend/internal/jobber"
)

// ErrSessionClosed is returned when writing to a session that already ended.
var ErrSessionClosed = errors.New("session closed")

// Hub is the registry of live WebSocket sessions. It satisfies
// jobber.SessionLocator so the callback router can deliver job events.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub builds a hub. In production only the listed origins may connect;
// an empty allowlist outside production admits everyone.
func NewHub(appEnv string, allowedOrigins []string) *Hub {
	h := &Hub{sessions: make(map[string]*Session)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(appEnv, allowedOrigins),
	}
	return h
}

func buildCheckOrigin(appEnv string, allowedOrigins []string) func(r *http.Request) bool {
	if appEnv == "production" && len(allowedOrigins) > 0 {
		allowed := make(map[string]bool)
		for _, origin := range allowedOrigins {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("[Stream] Origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Warn("[Stream] Rejected connection from origin", "origin", origin)
			return false
		}
	}

	if appEnv == "production" {
		slog.Warn("[Stream] ALLOWED_ORIGINS not set in production — allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// HandleWebSocket upgrades the HTTP request and registers a session. The
// caller's identity is resolved by auth middleware before this runs and
// passed through the request context.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Stream] Upgrade failed", "error", err)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s := newSession(h, sessionID, userID, conn)

	h.mu.Lock()
	if old, exists := h.sessions[sessionID]; exists {
		// A reconnect with the same session id supersedes the old socket.
		go old.close()
	}
	h.sessions[sessionID] = s
	h.mu.Unlock()

	slog.Info("[Stream] Session connected", "session_id", sessionID, "user_id", userID)

	// writePump owns all writes, readPump all reads.
	go s.writePump()
	go s.readPump()
}

// Session resolves a live session as a job-event sink.
func (h *Hub) Session(sessionID string) (jobber.SessionSink, bool) {
	s, ok := h.lookup(sessionID)
	if !ok {
		return nil, false
	}
	return s, true
}

// Lookup returns the live session itself, for stream attachment.
func (h *Hub) Lookup(sessionID string) (*Session, bool) {
	return h.lookup(sessionID)
}

func (h *Hub) lookup(sessionID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

// unregister removes s from the registry. The compare guards the reconnect
// race: when a new socket has already taken over the session id, closing the
// superseded one must not evict its replacement.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.ID] == s {
		delete(h.sessions, s.ID)
	}
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

var _ jobber.SessionLocator = (*Hub)(nil)
