package db

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// CircuitBreaker prevents cascading failures when a backend is unavailable.
// Implements the circuit breaker pattern with three states: closed, open, half-open.
//
// States:
//   - Closed: Normal operation, requests pass through
//   - Open: Backend failing, requests fail fast without calling the driver
//   - Half-Open: Testing if the backend recovered, limited requests allowed
//
// Only errors accepted by the failure predicate count toward opening the
// circuit. The default predicate counts every error; adapters install one
// that ignores caller mistakes such as NotFound or InvalidQuery.
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         string
	isFailure     func(error) bool
	onStateChange []func(from, to string)
}

// NewCircuitBreaker creates a circuit breaker.
//
// Parameters:
//   - maxFailures: Number of consecutive failures before opening circuit
//   - resetTimeout: Duration before transitioning from open to half-open
//
// Example:
//
//	cb := NewCircuitBreaker(5, 30*time.Second)
//	err := cb.Execute(ctx, func() error {
//	    return client.Ping(ctx, nil)
//	})
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		isFailure:    func(err error) bool { return err != nil },
	}
}

// WithStateChangeCallback adds a callback for state transitions.
// Useful for metrics and logging. Callbacks run in the order they were added.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	if fn == nil {
		return cb
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = append(cb.onStateChange, fn)
	return cb
}

// WithFailurePredicate sets which errors count as backend failures.
func (cb *CircuitBreaker) WithFailurePredicate(fn func(error) bool) *CircuitBreaker {
	if fn != nil {
		cb.mu.Lock()
		cb.isFailure = fn
		cb.mu.Unlock()
	}
	return cb
}

// restrictFailures keeps the current predicate but also requires fn to accept
// an error before it counts.
func (cb *CircuitBreaker) restrictFailures(fn func(error) bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	prev := cb.isFailure
	cb.isFailure = func(err error) bool { return fn(err) && prev(err) }
}

// Clone returns a closed breaker with the same thresholds, predicate and
// callbacks.
func (cb *CircuitBreaker) Clone() *CircuitBreaker {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return &CircuitBreaker{
		maxFailures:   cb.maxFailures,
		resetTimeout:  cb.resetTimeout,
		state:         BreakerClosed,
		isFailure:     cb.isFailure,
		onStateChange: append([]func(from, to string)(nil), cb.onStateChange...),
	}
}

// Execute runs fn if circuit is closed or half-open.
// Returns ErrBackendUnavailable if circuit is open. A panic inside fn is
// recovered and returned as an error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) (err error) {
	if !cb.allow() {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"reason": "circuit breaker is open",
			"state":  cb.State(),
		})
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: recovered panic: %v", ErrBackendUnavailable, r)
		}
		cb.recordResult(err)
	}()

	return fn()
}

// allow checks if request should be allowed based on circuit state
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		// Check if we should transition to half-open
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState(BreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// recordResult updates circuit breaker state based on operation result
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.state == BreakerHalfOpen || (cb.failures >= cb.maxFailures && cb.state != BreakerOpen) {
			cb.setState(BreakerOpen)
		}
		return
	}

	// Success (or a caller error): reset or close circuit
	if cb.state == BreakerHalfOpen {
		cb.setState(BreakerClosed)
	}
	cb.failures = 0
}

// setState transitions to a new state and triggers callback
func (cb *CircuitBreaker) setState(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	for _, fn := range cb.onStateChange {
		fn(oldState, newState)
	}
}

// State returns current circuit breaker state (closed, open, or half-open)
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(BreakerClosed)
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}
