package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinnokio/backend/internal/rpc"
)

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

func TestInitializeCreatesDistinctSessions(t *testing.T) {
	m := NewSessionManager(nil)

	a := m.Initialize("u1", "client-1", nil)
	b := m.Initialize("u1", "client-1", nil)
	assert.NotEqual(t, a, b)

	s, err := m.get(a)
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "client-1", s.TenantID)
}

func TestGetUnknownSessionIsNotFound(t *testing.T) {
	m := NewSessionManager(nil)

	_, err := m.get("nope")
	require.Error(t, err)
	e, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.KindNotFound, e.Kind)
}

func TestCloseRemovesSession(t *testing.T) {
	m := NewSessionManager(nil)
	id := m.Initialize("u1", "client-1", nil)

	m.Close(id)
	_, err := m.get(id)
	assert.Error(t, err)

	// Closing twice is harmless.
	m.Close(id)
}

// ============================================================================
// COMPANY CONTEXT
// ============================================================================

func TestSystemPromptRendersSortedContext(t *testing.T) {
	m := NewSessionManager(nil)
	id := m.Initialize("u1", "client-1", map[string]string{
		"name":     "Acme SA",
		"country":  "CH",
		"industry": "construction",
	})

	s, err := m.get(id)
	require.NoError(t, err)
	s.mu.Lock()
	prompt := s.systemPrompt()
	s.mu.Unlock()

	assert.Equal(t, "Company context:\n- country: CH\n- industry: construction\n- name: Acme SA\n", prompt)
}

func TestSystemPromptEmptyWithoutContext(t *testing.T) {
	m := NewSessionManager(nil)
	id := m.Initialize("u1", "client-1", nil)

	s, _ := m.get(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.systemPrompt())
}

func TestUpdateCompanyContextMergesAndDeletes(t *testing.T) {
	m := NewSessionManager(nil)
	id := m.Initialize("u1", "client-1", map[string]string{"name": "Acme SA", "country": "CH"})

	require.NoError(t, m.UpdateCompanyContext(id, map[string]string{
		"name":      "Acme Holding SA", // overwrite
		"country":   "",                // empty value removes the key
		"employees": "42",              // new key
	}))

	s, _ := m.get(id)
	s.mu.Lock()
	prompt := s.systemPrompt()
	s.mu.Unlock()

	assert.Contains(t, prompt, "- name: Acme Holding SA")
	assert.Contains(t, prompt, "- employees: 42")
	assert.NotContains(t, prompt, "country")
}

func TestUpdateCompanyContextUnknownSession(t *testing.T) {
	m := NewSessionManager(nil)
	err := m.UpdateCompanyContext("nope", map[string]string{"k": "v"})
	require.Error(t, err)
	e, _ := rpc.AsError(err)
	assert.Equal(t, rpc.KindNotFound, e.Kind)
}
