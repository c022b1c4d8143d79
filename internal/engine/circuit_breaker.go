package engine

import (
	"sync"
	"time"

	"github.com/rendis/bankflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	// Zero disables the breakers.
	Threshold int
	// Cooldown is how long an open circuit rejects calls before a trial call.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the engine defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerRegistry holds one circuit per agent id. A half-open circuit lets a
// single trial call through; its outcome closes or reopens the circuit.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	breakers map[string]*breaker
}

// NewBreakerRegistry creates a registry. A nil clock uses time.Now.
func NewBreakerRegistry(cfg BreakerConfig, now func() time.Time) *BreakerRegistry {
	if now == nil {
		now = time.Now
	}
	return &BreakerRegistry{cfg: cfg, now: now, breakers: make(map[string]*breaker)}
}

// Allow returns a CIRCUIT_OPEN error when calls to agentID are rejected.
func (r *BreakerRegistry) Allow(agentID string) error {
	if r.cfg.Threshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(agentID)
	switch b.state {
	case CircuitOpen:
		remaining := r.cfg.Cooldown - r.now().Sub(b.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for agent %q after %d consecutive failures", agentID, b.failures).
				WithDetails(map[string]any{
					"agent_id":             agentID,
					"consecutive_failures": b.failures,
					"cooldown_remaining":   remaining.String(),
				})
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for agent %q: trial call in flight", agentID)
		}
		b.probing = true
	}
	return nil
}

// Success closes the circuit for agentID.
func (r *BreakerRegistry) Success(agentID string) {
	if r.cfg.Threshold <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(agentID)
	b.state, b.failures, b.probing = CircuitClosed, 0, false
}

// Failure records a failed call and returns the resulting state.
func (r *BreakerRegistry) Failure(agentID string) CircuitState {
	if r.cfg.Threshold <= 0 {
		return CircuitClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(agentID)
	b.failures++
	b.probing = false
	if b.state == CircuitHalfOpen || b.failures >= r.cfg.Threshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

// State reports the circuit state for agentID.
func (r *BreakerRegistry) State(agentID string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(agentID)
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (r *BreakerRegistry) get(agentID string) *breaker {
	b, ok := r.breakers[agentID]
	if !ok {
		b = &breaker{}
		r.breakers[agentID] = b
	}
	return b
}
