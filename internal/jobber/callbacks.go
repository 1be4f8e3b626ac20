package jobber

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// SessionSink receives job events for one frontend session. Implemented by
// the streaming transport.
type SessionSink interface {
	SendJobEvent(payload map[string]interface{}) error
}

// SessionLocator resolves a session id to its live sink, if any.
type SessionLocator interface {
	Session(sessionID string) (SessionSink, bool)
}

// pendingJob is the local correlation record for one submitted job.
type pendingJob struct {
	corr        Correlation
	submittedAt time.Time
	seenStates  map[string]bool
}

// CallbackRouter matches inbound Jobber callbacks to the sessions that
// submitted them. Records live only in memory: losing the process loses the
// routing, and a later callback for an unknown job is dropped on purpose.
type CallbackRouter struct {
	sessions SessionLocator

	mu   sync.Mutex
	jobs map[string]*pendingJob
	now  func() time.Time
}

// NewCallbackRouter builds a router over the given session registry.
func NewCallbackRouter(sessions SessionLocator) *CallbackRouter {
	return &CallbackRouter{
		sessions: sessions,
		jobs:     make(map[string]*pendingJob),
		now:      time.Now,
	}
}

// Register records a submitted job so its callback can be routed. Call this
// only for pending submissions; synchronously completed jobs never call back.
func (r *CallbackRouter) Register(corr Correlation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[corr.JobID] = &pendingJob{
		corr:        corr,
		submittedAt: r.now(),
		seenStates:  make(map[string]bool),
	}
}

// Discard removes a correlation record, e.g. when the submitting session
// cancels. The Jobber keeps running; its eventual callback is dropped.
func (r *CallbackRouter) Discard(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// HandleCallback processes one inbound callback body. The payload is the
// correlation echo augmented with result fields; job_id and state are read
// from it, the rest is forwarded opaquely.
//
// Idempotent per (job_id, state): a redelivered callback yields no second
// user-visible event. Unknown jobs and dead sessions are dropped.
func (r *CallbackRouter) HandleCallback(body []byte) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return err
	}

	jobID, _ := payload["job_id"].(string)
	state, _ := payload["state"].(string)
	if state == "" {
		state, _ = payload["status"].(string)
	}
	if jobID == "" {
		slog.Warn("[Jobber] Callback without job_id dropped")
		return nil
	}

	r.mu.Lock()
	job, known := r.jobs[jobID]
	if !known {
		r.mu.Unlock()
		slog.Warn("[Jobber] Callback for unknown job dropped", "job_id", jobID, "state", state)
		return nil
	}
	if job.seenStates[state] {
		r.mu.Unlock()
		slog.Info("[Jobber] Duplicate callback suppressed", "job_id", jobID, "state", state)
		return nil
	}
	job.seenStates[state] = true
	corr := job.corr
	if state == StateCompleted || state == StateFailed {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()

	sink, ok := r.sessions.Session(corr.SessionID)
	if !ok {
		slog.Warn("[Jobber] Callback for expired session dropped",
			"job_id", jobID, "session_id", corr.SessionID, "state", state)
		return nil
	}

	if err := sink.SendJobEvent(payload); err != nil {
		slog.Error("[Jobber] Failed to forward callback", "job_id", jobID, "error", err)
		return err
	}
	slog.Info("[Jobber] Callback routed", "job_id", jobID, "state", state, "session_id", corr.SessionID)
	return nil
}

// PruneOlderThan drops correlation records older than maxAge and returns how
// many were removed. Run periodically; a record this old means the Jobber
// never called back.
func (r *CallbackRouter) PruneOlderThan(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	n := 0
	for id, job := range r.jobs {
		if job.submittedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	if n > 0 {
		slog.Info("[Jobber] Pruned stale job records", "count", n)
	}
	return n
}

// Pending returns the number of jobs awaiting callbacks.
func (r *CallbackRouter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
