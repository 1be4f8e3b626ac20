package jobber

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []map[string]interface{}
	err    error
}

func (s *fakeSink) SendJobEvent(payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, payload)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeLocator struct {
	sinks map[string]*fakeSink
}

func (l *fakeLocator) Session(id string) (SessionSink, bool) {
	s, ok := l.sinks[id]
	return s, ok
}

func newTestRouter(sessions ...string) (*CallbackRouter, *fakeLocator) {
	loc := &fakeLocator{sinks: make(map[string]*fakeSink)}
	for _, id := range sessions {
		loc.sinks[id] = &fakeSink{}
	}
	return NewCallbackRouter(loc), loc
}

// ============================================================================
// ROUTING
// ============================================================================

func TestCallbackRoutedToSubmittingSession(t *testing.T) {
	r, loc := newTestRouter("ws-1")
	r.Register(Correlation{JobID: "payroll_a", JobType: "payroll_calculate", UserID: "u1", SessionID: "ws-1"})

	err := r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"completed","result":{"net_salary":5000}}`))
	require.NoError(t, err)

	sink := loc.sinks["ws-1"]
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "completed", sink.events[0]["state"])
	assert.NotNil(t, sink.events[0]["result"])
}

func TestCallbackStatusKeyFallback(t *testing.T) {
	r, loc := newTestRouter("ws-1")
	r.Register(Correlation{JobID: "payroll_a", SessionID: "ws-1"})

	require.NoError(t, r.HandleCallback([]byte(`{"job_id":"payroll_a","status":"running"}`)))
	assert.Equal(t, 1, loc.sinks["ws-1"].count())
}

func TestCallbackUnknownJobDropped(t *testing.T) {
	r, loc := newTestRouter("ws-1")

	err := r.HandleCallback([]byte(`{"job_id":"payroll_ghost","state":"completed"}`))
	require.NoError(t, err, "an unknown job is dropped, not errored, so the Jobber stops retrying")
	assert.Equal(t, 0, loc.sinks["ws-1"].count())
}

func TestCallbackMissingJobIDDropped(t *testing.T) {
	r, _ := newTestRouter("ws-1")
	require.NoError(t, r.HandleCallback([]byte(`{"state":"completed"}`)))
}

func TestCallbackMalformedBodyErrors(t *testing.T) {
	r, _ := newTestRouter("ws-1")
	assert.Error(t, r.HandleCallback([]byte(`not-json`)))
}

func TestCallbackExpiredSessionDropped(t *testing.T) {
	r, _ := newTestRouter() // no live sessions
	r.Register(Correlation{JobID: "payroll_a", SessionID: "ws-gone"})

	err := r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"completed"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, r.Pending(), "terminal state removes the record even without a listener")
}

func TestCallbackSinkFailurePropagates(t *testing.T) {
	r, loc := newTestRouter("ws-1")
	loc.sinks["ws-1"].err = errors.New("connection write failed")
	r.Register(Correlation{JobID: "payroll_a", SessionID: "ws-1"})

	assert.Error(t, r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"running"}`)))
}

// ============================================================================
// IDEMPOTENCE / LIFECYCLE
// ============================================================================

func TestDuplicateStateSuppressed(t *testing.T) {
	r, loc := newTestRouter("ws-1")
	r.Register(Correlation{JobID: "payroll_a", SessionID: "ws-1"})

	body := []byte(`{"job_id":"payroll_a","state":"running"}`)
	require.NoError(t, r.HandleCallback(body))
	require.NoError(t, r.HandleCallback(body))

	assert.Equal(t, 1, loc.sinks["ws-1"].count(), "one user-visible event per (job, state)")
}

func TestDistinctStatesAllDelivered(t *testing.T) {
	r, loc := newTestRouter("ws-1")
	r.Register(Correlation{JobID: "payroll_a", SessionID: "ws-1"})

	require.NoError(t, r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"running"}`)))
	require.NoError(t, r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"completed"}`)))
	assert.Equal(t, 2, loc.sinks["ws-1"].count())
}

func TestTerminalStateRemovesRecord(t *testing.T) {
	for _, terminal := range []string{StateCompleted, StateFailed} {
		r, _ := newTestRouter("ws-1")
		r.Register(Correlation{JobID: "payroll_a", SessionID: "ws-1"})

		require.NoError(t, r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"`+terminal+`"}`)))
		assert.Equal(t, 0, r.Pending(), "state=%s", terminal)

		// Later redeliveries hit an unknown job and are dropped.
		require.NoError(t, r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"`+terminal+`"}`)))
	}
}

func TestNonTerminalStateKeepsRecord(t *testing.T) {
	r, _ := newTestRouter("ws-1")
	r.Register(Correlation{JobID: "payroll_a", SessionID: "ws-1"})

	require.NoError(t, r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"running"}`)))
	assert.Equal(t, 1, r.Pending())
}

func TestDiscard(t *testing.T) {
	r, loc := newTestRouter("ws-1")
	r.Register(Correlation{JobID: "payroll_a", SessionID: "ws-1"})
	r.Discard("payroll_a")

	require.NoError(t, r.HandleCallback([]byte(`{"job_id":"payroll_a","state":"completed"}`)))
	assert.Equal(t, 0, loc.sinks["ws-1"].count())
}

// ============================================================================
// PRUNING
// ============================================================================

func TestPruneOlderThan(t *testing.T) {
	r, _ := newTestRouter("ws-1")

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.Register(Correlation{JobID: "payroll_old", SessionID: "ws-1"})

	r.now = func() time.Time { return base.Add(25 * time.Hour) }
	r.Register(Correlation{JobID: "payroll_new", SessionID: "ws-1"})

	assert.Equal(t, 1, r.PruneOlderThan(24*time.Hour))
	assert.Equal(t, 1, r.Pending())

	// The fresh record still routes.
	require.NoError(t, r.HandleCallback([]byte(`{"job_id":"payroll_new","state":"completed"}`)))
}
