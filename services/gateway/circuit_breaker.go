// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows all calls through.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all calls without contacting the provider.
	CircuitOpen

	// CircuitHalfOpen allows a bounded number of trial calls.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
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

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMax is the number of concurrent trials allowed.
	HalfOpenMax int
}

// CircuitBreakerStats is a snapshot for health endpoints.
type CircuitBreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker guards the provider.
//
// # Description
//
// Closed: calls pass; FailureThreshold consecutive failures open it.
// Open: calls are rejected until RecoveryTimeout has elapsed, then the
// breaker moves to half-open. Half-open: up to HalfOpenMax trials pass.
// A trial success closes the circuit and clears the failure count; a
// trial failure re-opens it and restarts the recovery timer.
//
// # Thread Safety
//
// One breaker is shared by every request the gateway serves. All state
// is guarded by mu.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	// onChange runs with mu held; it must not call back into the breaker.
	onChange func(CircuitState)

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastStateChange time.Time
	halfOpenActive  int

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a closed breaker. now may be nil.
func NewCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax < 1 {
		config.HalfOpenMax = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		config:          config,
		now:             now,
		state:           CircuitClosed,
		lastStateChange: now(),
	}
}

// State returns the current state, promoting open to half-open when the
// recovery window has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow reports whether a call may proceed. When it returns true with a
// non-nil release, the caller holds a half-open trial slot and must call
// release after recording the outcome.
func (cb *CircuitBreaker) Allow() (bool, func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.maybeHalfOpen()

	switch cb.state {
	case CircuitClosed:
		return true, nil
	case CircuitHalfOpen:
		if cb.halfOpenActive >= cb.config.HalfOpenMax {
			cb.totalRejections++
			return false, nil
		}
		cb.halfOpenActive++
		var once sync.Once
		return true, func() {
			once.Do(func() {
				cb.mu.Lock()
				if cb.halfOpenActive > 0 {
					cb.halfOpenActive--
				}
				cb.mu.Unlock()
			})
		}
	default:
		cb.totalRejections++
		return false, nil
	}
}

// RecordSuccess records a successful logical call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed logical call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

// maybeHalfOpen moves open to half-open once the recovery window passed.
// Caller holds mu.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastStateChange) >= cb.config.RecoveryTimeout {
		cb.transitionTo(CircuitHalfOpen)
	}
}

// transitionTo changes state. Caller holds mu.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.failures = 0
	if newState != CircuitHalfOpen {
		cb.halfOpenActive = 0
	}
	if cb.onChange != nil {
		cb.onChange(newState)
	}
}

// Stats returns a snapshot of breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()

	return CircuitBreakerStats{
		State:           cb.state.String(),
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
	cb.failures = 0
	cb.halfOpenActive = 0
}
