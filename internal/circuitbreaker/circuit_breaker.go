// Package circuitbreaker stops calls to the sports-data API after repeated
// failures. While the breaker is open the fetcher answers from stale or
// fallback data and spends no rate-limit budget.
//
// State transitions:
//
//	Closed   -> Open      after FailureThreshold consecutive failures
//	Open     -> HalfOpen  once Timeout has elapsed
//	HalfOpen -> Closed    after SuccessThreshold consecutive successes
//	HalfOpen -> Open      on any failure
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// Defaults applied by New for zero or negative arguments.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 1
	DefaultTimeout          = 30 * time.Second
)

// State is the breaker position.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the timeout elapses.
	StateOpen
	// StateHalfOpen lets trial calls through to test recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// OnStateChange registers fn to run after every transition. fn is called
// without the breaker lock held, so it may read the breaker.
func OnStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State State
	// Failures counts consecutive failures while closed.
	Failures int
	// RetryAt is when an open breaker moves to half-open. Zero otherwise.
	RetryAt time.Time
}

// CircuitBreaker guards the upstream API. It is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openUntil        time.Time
	now              func() time.Time
	onChange         func(from, to State)
}

// New creates a CircuitBreaker. Zero or negative arguments take the package
// defaults.
func New(failureThreshold, successThreshold int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if successThreshold <= 0 {
		successThreshold = DefaultSuccessThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State returns the current state. An open breaker whose timeout has
// elapsed reports, and becomes, half-open.
func (cb *CircuitBreaker) State() State {
	return cb.Snapshot().State
}

// Snapshot returns the state together with its counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	from := cb.state
	cb.expire()
	snap := Snapshot{State: cb.state, Failures: cb.failures}
	if cb.state == StateOpen {
		snap.RetryAt = cb.openUntil
	}
	cb.mu.Unlock()
	cb.notify(from, snap.State)
	return snap
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures, cb.successes = 0, 0
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the breaker. Caller holds cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openUntil = cb.now().Add(cb.timeout)
	cb.successes = 0
}

// expire moves an open breaker to half-open once its timeout has passed.
// Caller holds cb.mu.
func (cb *CircuitBreaker) expire() {
	if cb.state == StateOpen && cb.now().After(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}
