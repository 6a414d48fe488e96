// Package breaker guards LLM calls with per-(agent, tenant) circuit breakers
// and composes the retry, fallback-chain, and rule-based recovery paths every
// agent stage calls through. A breaker trips when one tenant's provider
// misbehaves without dragging down calls for anyone else.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/exceptionops/remsy/pkg/metrics"
)

// State names the three breaker states.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config bounds one breaker instance. Zero fields take defaults.
type Config struct {
	// FailureThreshold is the failure count inside Window that opens the
	// breaker.
	FailureThreshold int

	// Window is the sliding interval failures are counted over. The counter
	// resets when the gap since the last failure exceeds it.
	Window time.Duration

	// HalfOpenTimeout is how long an open breaker holds before admitting
	// probe attempts.
	HalfOpenTimeout time.Duration

	// MaxProbes caps concurrent-ish probe attempts while half-open. Once
	// spent without a verdict, attempts are denied for another timeout.
	MaxProbes int
}

// DefaultConfig returns the stock breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
		MaxProbes:        3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = d.HalfOpenTimeout
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = d.MaxProbes
	}
	return c
}

// Snapshot is a point-in-time view of one breaker for diagnostics.
type Snapshot struct {
	Agent              string    `json:"agent"`
	TenantID           string    `json:"tenant_id"`
	State              State     `json:"state"`
	FailureCount       int       `json:"failure_count"`
	LastFailureAt      time.Time `json:"last_failure_at,omitzero"`
	OpenedAt           time.Time `json:"opened_at,omitzero"`
	HalfOpenProbeCount int       `json:"half_open_probe_count"`
}

// Breaker is the circuit state machine for one (agent, tenant) pair.
// All methods are safe for concurrent use.
type Breaker struct {
	agent  string
	tenant string
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	halfOpenAt    time.Time
	probeCount    int
}

// NewBreaker builds a closed breaker for the pair.
func NewBreaker(agent, tenantID string, cfg Config, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		agent:  agent,
		tenant: tenantID,
		cfg:    cfg.withDefaults(),
		log:    log.With("component", "breaker"),
		now:    time.Now,
		state:  StateClosed,
	}
}

// CanAttempt reports whether a call may proceed right now. It performs the
// OPEN -> HALF_OPEN transition when the cool-down has elapsed, and counts the
// admitted call as a probe while half-open.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.HalfOpenTimeout {
			return false
		}
		b.transition(StateHalfOpen, now)
		b.probeCount = 1
		return true
	case StateHalfOpen:
		if b.probeCount < b.cfg.MaxProbes {
			b.probeCount++
			return true
		}
		// Probe budget spent without a verdict. Hold the gate for another
		// timeout, then hand out a fresh probe window.
		if now.Sub(b.halfOpenAt) < b.cfg.HalfOpenTimeout {
			return false
		}
		b.halfOpenAt = now
		b.probeCount = 1
		return true
	}
	return false
}

// RecordSuccess closes a half-open breaker and resets its counters. Success
// while closed is a no-op: only the window expires accumulated failures.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateClosed, b.now())
	}
}

// RecordFailure counts a failure, expiring the window first. At the threshold
// a closed breaker opens; a failed probe re-opens immediately and restarts
// the cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.cfg.Window {
		b.failureCount = 0
	}
	b.failureCount++
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// Snapshot returns the current counters without mutating state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Agent:              b.agent,
		TenantID:           b.tenant,
		State:              b.state,
		FailureCount:       b.failureCount,
		LastFailureAt:      b.lastFailureAt,
		OpenedAt:           b.openedAt,
		HalfOpenProbeCount: b.probeCount,
	}
}

// transition moves the state machine. Callers hold b.mu.
func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = now
		b.probeCount = 0
	case StateHalfOpen:
		b.halfOpenAt = now
		b.probeCount = 0
	case StateClosed:
		b.failureCount = 0
		b.probeCount = 0
		b.openedAt = time.Time{}
		b.lastFailureAt = time.Time{}
	}

	metrics.RecordBreakerTransition(b.agent, b.tenant, string(to))
	b.log.Info("Circuit breaker state changed",
		"agent", b.agent,
		"tenant_id", b.tenant,
		"from", string(from),
		"to", string(to),
		"failure_count", b.failureCount)
}
