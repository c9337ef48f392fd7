package recovery

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle state of one circuit.
type BreakerState int

const (
	// StateClosed allows calls through; failures are counted.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows a single probe call after the cool-down.
	StateHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is the per-key circuit state. Access is guarded by the set's mutex.
type breaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerSet holds one circuit breaker per component.operation key. A
// circuit opens after threshold consecutive failures, rejects calls for the
// cool-down window, then permits exactly one half-open probe whose outcome
// decides between closing and reopening.
type BreakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*breaker
}

// NewBreakerSet creates a breaker set. A threshold of zero disables breaking
// entirely; Allow always admits the call.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	return &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*breaker),
	}
}

// Allow reports whether a call for key may proceed. While the circuit is
// open within the cool-down it returns a CircuitOpenError. After the
// cool-down the first caller transitions the circuit to half-open and is
// admitted as the probe; concurrent callers are rejected until the probe
// resolves.
func (s *BreakerSet) Allow(key string) error {
	if s.threshold <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		return nil
	}

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		retryAt := b.openedAt.Add(s.cooldown)
		if time.Now().Before(retryAt) {
			return &CircuitOpenError{Key: key, RetryAt: retryAt}
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &CircuitOpenError{Key: key, RetryAt: b.openedAt.Add(s.cooldown)}
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess resets the circuit for key: failure count to zero, state to
// closed.
func (s *BreakerSet) RecordSuccess(key string) {
	if s.threshold <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[key]; ok {
		b.state = StateClosed
		b.failures = 0
		b.probing = false
	}
}

// RecordFailure counts a failure for key. Reaching the threshold opens the
// circuit; a failed half-open probe reopens it and restarts the cool-down.
func (s *BreakerSet) RecordFailure(key string) {
	if s.threshold <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{}
		s.breakers[key] = b
	}

	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= s.threshold {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// State returns the current state for key. Unknown keys are closed.
func (s *BreakerSet) State(key string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[key]; ok {
		return b.state
	}
	return StateClosed
}

// Failures returns the consecutive failure count for key.
func (s *BreakerSet) Failures(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[key]; ok {
		return b.failures
	}
	return 0
}

// Reset clears the circuit for key.
func (s *BreakerSet) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
}
