// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"sync"
	"time"
)

// CircuitState classifies the breaker for logging.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // exports flow
	CircuitOpen                         // batches dropped locally
	CircuitHalfOpen                     // next flush is a probe
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects the host process from a dead collector: after
// enough consecutive batch failures the circuit opens and batches are
// dropped locally instead of queueing RPCs against an endpoint that is
// not answering. There is exactly one flush loop, so the half-open phase
// needs no probe accounting: whichever flush lands after the reset
// timeout is the probe, and its outcome settles the circuit.
type CircuitBreaker struct {
	mu           sync.Mutex
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time // zero while closed
	probing      bool
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// Allow reports whether the next batch should be attempted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openedAt.IsZero() {
		return true
	}
	if time.Since(cb.openedAt) >= cb.resetTimeout {
		cb.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.openedAt = time.Time{}
	cb.probing = false
}

// RecordFailure counts one failed batch; a failed probe reopens the
// circuit immediately, restarting the reset timeout.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.probing {
		cb.probing = false
		cb.openedAt = time.Now()
		return
	}
	if cb.openedAt.IsZero() && cb.failures >= cb.threshold {
		cb.openedAt = time.Now()
	}
}

// State derives the current state; open flips to half-open once the
// reset timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case cb.openedAt.IsZero():
		return CircuitClosed
	case cb.probing || time.Since(cb.openedAt) >= cb.resetTimeout:
		return CircuitHalfOpen
	default:
		return CircuitOpen
	}
}
