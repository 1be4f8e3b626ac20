package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // 512KB max frame
	sendBuffer = 256              // Per-session outbound channel buffer
)

// Session is one live WebSocket connection. All writes to the socket go
// through the Send channel and the writePump goroutine, so there is exactly
// one writer per connection.
type Session struct {
	ID     string
	UserID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// Active upstream streams owned by this session. Disconnecting cancels
	// them all.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newSession(hub *Hub, id, userID string, conn *websocket.Conn) *Session {
	return &Session{
		ID:      id,
		UserID:  userID,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Done is closed when the session ends; forwarders select on it so a dead
// client never wedges an upstream goroutine.
func (s *Session) Done() <-chan struct{} { return s.done }

// RegisterStream attaches an upstream cancel func under a stream id.
func (s *Session) RegisterStream(streamID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[streamID] = cancel
}

// UnregisterStream detaches a finished stream.
func (s *Session) UnregisterStream(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, streamID)
}

// CancelStream cancels one active stream, typically on a client "cancel"
// frame.
func (s *Session) CancelStream(streamID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[streamID]
	delete(s.cancels, streamID)
	s.mu.Unlock()
	if ok {
		cancel()
		slog.Info("[Stream] Stream cancelled by client", "session_id", s.ID, "stream_id", streamID)
	}
}

// SendJobEvent forwards a Jobber callback payload to the client. Blocking:
// job completions are never dropped while the session lives.
func (s *Session) SendJobEvent(payload map[string]interface{}) error {
	msg, err := json.Marshal(map[string]interface{}{
		"type":    "job_event",
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return s.write(msg)
}

// write queues a frame for the writePump, blocking until queued or the
// session dies.
func (s *Session) write(msg []byte) error {
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// tryWrite queues a frame without blocking; reports whether it was queued.
func (s *Session) tryWrite(msg []byte) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the session down exactly once: unregister, cancel every
// in-flight upstream stream, close the socket.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.unregister(s)

		s.mu.Lock()
		cancels := s.cancels
		s.cancels = map[string]context.CancelFunc{}
		s.mu.Unlock()
		for id, cancel := range cancels {
			cancel()
			slog.Info("[Stream] Upstream cancelled on disconnect", "session_id", s.ID, "stream_id", id)
		}

		s.conn.Close()
		slog.Info("[Stream] Session disconnected", "session_id", s.ID, "user_id", s.UserID)
	})
}

// writePump serializes ALL writes to the WebSocket connection. This is the
// only goroutine that calls conn.WriteMessage.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("[Stream] Write failed", "session_id", s.ID, "error", err)
				return
			}

			// Drain queued messages in the same wakeup
			n := len(s.send)
			for i := 0; i < n; i++ {
				msg := <-s.send
				if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					slog.Warn("[Stream] Batch write failed", "session_id", s.ID, "error", err)
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump reads client frames. The only frame the client sends mid-stream
// is a cancellation; anything else is logged and ignored.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[Stream] Read error", "session_id", s.ID, "error", err)
			}
			return
		}

		var msg struct {
			Type     string `json:"type"`
			StreamID string `json:"stream_id"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Info("[Stream] Invalid client frame", "session_id", s.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "cancel":
			s.CancelStream(msg.StreamID)
		default:
			slog.Info("[Stream] Unhandled client frame", "session_id", s.ID, "type", msg.Type)
		}
	}
}
