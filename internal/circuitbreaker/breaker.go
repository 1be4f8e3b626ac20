// Package circuitbreaker guards the outbound backplane. A dead Jobber, ERP,
// or Drive endpoint must not have every RPC pile up behind 30-second
// timeouts: after enough failures the breaker opens and callers fail
// immediately until a probe succeeds.
package circuitbreaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// State is the breaker position: closed (traffic flows), open (traffic
// rejected), half-open (a limited number of probes allowed through).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxRequests caps concurrent probes in half-open state; it is also the
	// number of consecutive probe successes needed to close again.
	MaxRequests uint32

	// Interval rolls the closed-state counting window so ancient failures
	// cannot trip a breaker. Zero keeps one window forever.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ReadyToTrip inspects the counts after each closed-state failure and
	// decides whether to open.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange, when set, observes every transition.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig trips at >50% failures over at least 5 requests and probes
// after 30s open.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.Requests >= 5 && counts.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from State, to State) {
			slog.Warn("[CircuitBreaker] State change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// Counts is the request tally for the current window. A window ends on any
// state change or when Interval elapses in closed state.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio is TotalFailures over Requests; zero when nothing was counted.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) success() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker is safe for concurrent use. Windows are tracked by a
// generation counter so a slow call that started in one window cannot
// pollute the counts of the next.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	inflight   uint32
	windowEnd  time.Time
}

func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{cfg: cfg}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State reports the current position, applying any pending open→half-open
// transition first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s, _ := cb.refresh(time.Now())
	return s
}

// Counts snapshots the current window.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn under the breaker. A panic in fn counts as a failure and
// is re-raised.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	gen, err := cb.admit()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(gen, false)
			panic(r)
		}
	}()

	result, err := fn()
	cb.settle(gen, err == nil)
	return result, err
}

// Allow is the manual admission check for callers whose call shape does not
// fit Execute. Outcomes must be reported via RecordSuccess/RecordFailure; the
// in-flight slot stays held against the half-open budget until then.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	_, err := cb.admitLocked(time.Now())
	return err
}

// RecordSuccess reports the outcome of a call admitted via Allow.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	state, _ := cb.refresh(now)
	cb.release()
	cb.onSuccess(state, now)
}

// RecordFailure reports the outcome of a call admitted via Allow.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	state, _ := cb.refresh(now)
	cb.release()
	cb.onFailure(state, now)
}

// release frees an in-flight slot. Guarded: Record* may be called without a
// prior Allow, and the slot may already be gone if the window rolled.
func (cb *CircuitBreaker) release() {
	if cb.inflight > 0 {
		cb.inflight--
	}
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.admitLocked(time.Now())
}

func (cb *CircuitBreaker) admitLocked(now time.Time) (uint64, error) {
	state, gen := cb.refresh(now)

	switch {
	case state == StateOpen:
		return gen, ErrCircuitOpen
	case state == StateHalfOpen && cb.counts.Requests+cb.inflight >= cb.cfg.MaxRequests:
		return gen, ErrTooManyRequests
	}

	cb.inflight++
	return gen, nil
}

func (cb *CircuitBreaker) settle(gen uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, current := cb.refresh(now)
	if gen != current {
		// The window rolled while the call was in flight.
		return
	}
	cb.release()

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.success()
	case StateHalfOpen:
		cb.counts.success()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.transition(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.failure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// One failed probe reopens immediately.
		cb.transition(StateOpen, now)
	}
}

// refresh applies time-driven transitions and returns the effective state
// and generation. Callers hold cb.mu.
func (cb *CircuitBreaker) refresh(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.windowEnd.IsZero() && cb.windowEnd.Before(now) {
			cb.rollWindow(now)
		}
	case StateOpen:
		if cb.windowEnd.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.rollWindow(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) rollWindow(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.inflight = 0

	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.windowEnd = now.Add(cb.cfg.Interval)
		} else {
			cb.windowEnd = time.Time{}
		}
	case StateOpen:
		cb.windowEnd = now.Add(cb.cfg.Timeout)
	default:
		cb.windowEnd = time.Time{}
	}
}

func (cb *CircuitBreaker) String() string {
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]",
		cb.cfg.Name, cb.State(), counts.Requests, counts.TotalFailures)
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager hands out named breakers, creating them on first use.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config
}

func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for name, creating it with the default config.
func (m *Manager) Get(name string) *CircuitBreaker {
	return m.GetOrCreate(name, nil)
}

// GetOrCreate returns the breaker for name; cfg applies only on first
// creation.
func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}

	if cfg == nil {
		copied := *m.cfg
		cfg = &copied
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// Stats snapshots every breaker.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = Stats{Name: name, State: cb.State(), Counts: cb.Counts()}
	}
	return stats
}

// Stats is one breaker's snapshot.
type Stats struct {
	Name   string
	State  State
	Counts Counts
}

// ============================================================================
// BACKPLANE BREAKERS
// ============================================================================

// BackplaneBreakers bundles the breakers for the three downstream services.
type BackplaneBreakers struct {
	manager *Manager

	Jobber *CircuitBreaker
	ERP    *CircuitBreaker
	Drive  *CircuitBreaker
}

// NewBackplaneBreakers configures the per-downstream breakers. The Jobber
// breaker trips on a short consecutive-failure streak: submissions are
// fire-and-forget and a failed submit surfaces to the user as a failed job
// anyway. ERP and Drive are interactive paths and get the ratio rule.
func NewBackplaneBreakers() *BackplaneBreakers {
	manager := NewManager(nil)

	jobber := manager.GetOrCreate("jobber", &Config{
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	erp := manager.GetOrCreate("erp", &Config{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     45 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.Requests >= 5 && c.FailureRatio() > 0.5 },
	})
	drive := manager.GetOrCreate("drive", &Config{
		MaxRequests: 3,
		Interval:    120 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.Requests >= 5 && c.FailureRatio() > 0.5 },
	})

	return &BackplaneBreakers{manager: manager, Jobber: jobber, ERP: erp, Drive: drive}
}

// HealthStatus reports DEGRADED when any breaker is open, with per-breaker
// states for the health endpoint.
func (b *BackplaneBreakers) HealthStatus() (string, map[string]string) {
	statuses := make(map[string]string)
	healthy := true
	for name, stat := range b.manager.Stats() {
		statuses[name] = stat.State.String()
		if stat.State == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
