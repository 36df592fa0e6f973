package recovery

import (
	"context"
	"sync"
	"time"
)

// BreakerState is one of Closed/Open/HalfOpen (§4.6).
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker is a per-agent failure gate: Closed allows recovery
// attempts; Open blocks them until Timeout elapses, at which point it
// moves to HalfOpen; a success there closes it, any failure reopens it
// with a fresh timeout.
type CircuitBreaker struct {
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a Closed breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, timeout: timeout, state: BreakerClosed}
}

// Allow reports whether a recovery attempt may proceed, applying the
// Open->HalfOpen timeout transition first.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state != BreakerOpen
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == BreakerOpen && time.Since(cb.openedAt) >= cb.timeout {
		cb.state = BreakerHalfOpen
	}
}

// RecordFailure registers a failed recovery attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.open()
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.open()
		}
	case BreakerOpen:
		cb.openedAt = time.Now()
	}
}

// RecordSuccess registers a successful recovery attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.state = BreakerClosed
		cb.failures = 0
	case BreakerClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = BreakerOpen
	cb.openedAt = time.Now()
	cb.failures = 0
}

// State reports the breaker's current state, applying the timeout
// transition check first.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// Manager keys a CircuitBreaker per agent, creating one lazily.
type Manager struct {
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a breaker manager using the same threshold/
// timeout for every agent.
func NewManager(threshold int, timeout time.Duration) *Manager {
	return &Manager{threshold: threshold, timeout: timeout, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for agentID, creating it on first use.
func (m *Manager) Get(agentID string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[agentID]
	if !ok {
		cb = NewCircuitBreaker(m.threshold, m.timeout)
		m.breakers[agentID] = cb
	}
	return cb
}

// Sweep applies the Open->HalfOpen timeout transition to every known
// breaker, mirroring §4.6's 10s checkCircuitBreakers loop.
func (m *Manager) Sweep() {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	for _, cb := range breakers {
		cb.mu.Lock()
		cb.maybeHalfOpenLocked()
		cb.mu.Unlock()
	}
}

// Run sweeps on the given interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
