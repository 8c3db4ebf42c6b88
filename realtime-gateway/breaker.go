package main

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker trips after a run of consecutive failures and re-probes
// after a cooldown. While open, callers must skip the protected operation.
type CircuitBreaker struct {
	threshold int64
	cooldown  time.Duration

	failures atomic.Int64
	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos of last trip
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and allows a probe after cooldownSeconds.
func NewCircuitBreaker(threshold int64, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Allow reports whether the protected operation may be attempted. An open
// breaker transitions to half-open once the cooldown has elapsed, letting a
// single probe through.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		openedAt := time.Unix(0, cb.openedAt.Load())
		if time.Since(openedAt) >= cb.cooldown {
			cb.state.Store(int32(CircuitBreakerHalfOpen))
			return true
		}
		return false
	}
	return true
}

// RecordFailure counts a failure. Reaching the threshold, or failing while
// half-open, trips the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	if failures >= cb.threshold || cb.State() == CircuitBreakerHalfOpen {
		cb.state.Store(int32(CircuitBreakerOpen))
		cb.openedAt.Store(time.Now().UnixNano())
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}
