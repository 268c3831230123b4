// Package circuitbreaker guards the engine's external dependencies
// (embedder, chat LLM, vector index) against cascading failures.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// Errors returned when a call is rejected.
var (
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrTooManyHalfOpenReqs = errors.New("too many concurrent requests in half-open state")
)

// Config holds breaker configuration.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the consecutive success count that closes a
	// half-open circuit.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxHalfOpenRequests limits concurrent probes in half-open state.
	MaxHalfOpenRequests int
	// OnStateChange is invoked on transitions.
	OnStateChange func(from, to State)
}

// DefaultConfig returns a default breaker configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker implements a three-state breaker with atomic counters.
type CircuitBreaker struct {
	config *Config

	state           int32
	lastFailureTime int64

	consecutiveFailures  int32
	consecutiveSuccesses int32
	halfOpenRequests     int32
}

// New creates a circuit breaker.
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{config: config, state: int32(StateClosed)}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.canExecute(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) canExecute() error {
	switch cb.State() {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.shouldProbe() {
			cb.transitionTo(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if atomic.AddInt32(&cb.halfOpenRequests, 1) > int32(cb.config.MaxHalfOpenRequests) {
			atomic.AddInt32(&cb.halfOpenRequests, -1)
			return ErrTooManyHalfOpenReqs
		}
		return nil
	default:
		return fmt.Errorf("unknown circuit breaker state")
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	state := cb.State()
	if err != nil {
		cb.recordFailure(state)
	} else {
		cb.recordSuccess(state)
	}
	if state == StateHalfOpen {
		atomic.AddInt32(&cb.halfOpenRequests, -1)
	}
}

func (cb *CircuitBreaker) recordSuccess(state State) {
	switch state {
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
	case StateHalfOpen:
		if atomic.AddInt32(&cb.consecutiveSuccesses, 1) >= int32(cb.config.SuccessThreshold) {
			cb.transitionTo(StateClosed)
		}
	case StateOpen:
		// transitions out of open only happen via timeout probes
	}
}

func (cb *CircuitBreaker) recordFailure(state State) {
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
	switch state {
	case StateClosed:
		if atomic.AddInt32(&cb.consecutiveFailures, 1) >= int32(cb.config.FailureThreshold) {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	case StateOpen:
	}
}

func (cb *CircuitBreaker) shouldProbe() bool {
	last := atomic.LoadInt64(&cb.lastFailureTime)
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= cb.config.Timeout
}

func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := State(atomic.SwapInt32(&cb.state, int32(newState)))
	if oldState == newState {
		return
	}
	atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	if newState == StateClosed {
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
	}
	if newState == StateHalfOpen {
		atomic.StoreInt32(&cb.halfOpenRequests, 0)
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	return State(atomic.LoadInt32(&cb.state))
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	atomic.StoreInt32(&cb.state, int32(StateClosed))
	atomic.StoreInt32(&cb.consecutiveFailures, 0)
	atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt32(&cb.halfOpenRequests, 0)
	atomic.StoreInt64(&cb.lastFailureTime, 0)
}
