package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinnokio/backend/internal/rpc"
	"github.com/pinnokio/backend/internal/stream"
)

// historyLimit caps how many turns ride along on each request.
const historyLimit = 40

// ChatSession is one conversation: history plus the company context baked
// into the system prompt.
type ChatSession struct {
	ID        string
	UserID    string
	TenantID  string
	CreatedAt time.Time

	mu      sync.Mutex
	context map[string]string
	history []Message
}

// SessionManager owns chat sessions and drives the vendor client.
type SessionManager struct {
	client *Client

	mu       sync.RWMutex
	sessions map[string]*ChatSession
}

// NewSessionManager wires the manager over a vendor client.
func NewSessionManager(client *Client) *SessionManager {
	return &SessionManager{
		client:   client,
		sessions: make(map[string]*ChatSession),
	}
}

// Initialize creates a session with optional initial company context and
// returns its id.
func (m *SessionManager) Initialize(userID, tenantID string, companyContext map[string]string) string {
	s := &ChatSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: time.Now(),
		context:   make(map[string]string),
	}
	for k, v := range companyContext {
		s.context[k] = v
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	slog.Info("[LLM] Session initialized", "session_id", s.ID, "user_id", userID, "tenant_id", tenantID)
	return s.ID
}

// UpdateCompanyContext merges fresh company facts into the session's system
// prompt. Takes effect on the next SendMessage.
func (m *SessionManager) UpdateCompanyContext(sessionID string, companyContext map[string]string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for k, v := range companyContext {
		if v == "" {
			delete(s.context, k)
			continue
		}
		s.context[k] = v
	}
	s.mu.Unlock()
	return nil
}

// SendMessage appends the user turn, streams the assistant reply through
// emit, and records the reply in history. History is only extended when the
// stream ran to completion; a cancelled stream leaves the user turn out so a
// retry starts clean.
func (m *SessionManager) SendMessage(ctx context.Context, sessionID, text string, emit func(stream.Chunk) error) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	system := s.systemPrompt()
	turns := append(append([]Message{}, s.history...), Message{Role: "user", Content: text})
	if len(turns) > historyLimit {
		turns = turns[len(turns)-historyLimit:]
	}
	s.mu.Unlock()

	reply, err := m.client.Stream(ctx, system, turns, emit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.history = append(s.history, Message{Role: "user", Content: text}, Message{Role: "assistant", Content: reply})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.mu.Unlock()
	return nil
}

// Close removes a session.
func (m *SessionManager) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func (m *SessionManager) get(sessionID string) (*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, rpc.Errorf(rpc.KindNotFound, "chat session %s not found", sessionID)
	}
	return s, nil
}

// systemPrompt renders the company context deterministically. Caller holds
// s.mu.
func (s *ChatSession) systemPrompt() string {
	if len(s.context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s.context))
	for k := range s.context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prompt := "Company context:\n"
	for _, k := range keys {
		prompt += fmt.Sprintf("- %s: %s\n", k, s.context[k])
	}
	return prompt
}
