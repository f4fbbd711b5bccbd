package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/knowledge-hub/knowledge-hub/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Defaults used when the constructor receives non-positive values.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// ErrCircuitOpen is returned by Execute without calling fn.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker counts consecutive failures of a transport.
//
// Once recoveryTimeout has elapsed since the last failure the breaker
// resets optimistically to half-open and lets every request through; the
// next result decides. There is no trial-request cap. A failure while
// half-open re-opens immediately.
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           State
	failures        int
	threshold       int
	recoveryTimeout time.Duration
	lastFailure     time.Time
	clock           Clock
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, threshold int, recoveryTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	cb := &CircuitBreaker{
		name:            name,
		state:           StateClosed,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		clock:           realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.SetCircuitBreakerState(cb.name, string(cb.state))
	return cb
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Allow reports whether a request may go through. An open breaker whose
// recovery timeout has elapsed moves to half-open here.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailure) >= cb.recoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// IsOpen is the negation of Allow.
func (cb *CircuitBreaker) IsOpen() bool {
	return !cb.Allow()
}

// RecordFailure counts a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.clock.Now()

	switch cb.state {
	case StateHalfOpen:
		metrics.RecordCircuitBreakerTrip(cb.name, "half_open_failure")
		cb.transitionTo(StateOpen)
	case StateClosed:
		if cb.failures >= cb.threshold {
			metrics.RecordCircuitBreakerTrip(cb.name, "threshold_exceeded")
			cb.transitionTo(StateOpen)
		}
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.transitionTo(StateClosed)
}

// transitionTo updates the state and its gauge. Caller must hold lock.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	metrics.SetCircuitBreakerState(cb.name, string(newState))
}

// State returns the current state without triggering recovery.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot is a point-in-time copy of the breaker's counters.
type Snapshot struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	Failures        int           `json:"failureCount"`
	Threshold       int           `json:"failureThreshold"`
	RecoveryTimeout time.Duration `json:"recoveryTimeout"`
	LastFailure     time.Time     `json:"lastFailureTime,omitempty"`
}

// Snapshot returns the breaker's counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Threshold:       cb.threshold,
		RecoveryTimeout: cb.recoveryTimeout,
		LastFailure:     cb.lastFailure,
	}
}
