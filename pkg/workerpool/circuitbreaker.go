// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package workerpool

import (
	"sync"
	"time"

	unierrors "github.com/kraklabs/unimem/internal/errors"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker gates calls to an external collaborator (a provider/model
// adapter, in the spec's worker-pool routing use) behind a three-state
// closed/open/half-open machine: more than FailureThreshold consecutive
// failures trip it open; after ResetTimeout it allows a single half-open probe; success
// there closes it, failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state       BreakerState
	failures    int
	openedAt    time.Time
	probeInFlight bool
}

// NewCircuitBreaker constructs a closed breaker.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, resetTimeout: resetTimeout, state: BreakerClosed}
}

// Allow reports whether a call may proceed, transitioning OPEN -> HALF_OPEN
// once resetTimeout has elapsed. Only one half-open probe is allowed in
// flight at a time.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return unierrors.New(unierrors.KindCircuitOpen, "circuit breaker is open")
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.probeInFlight {
			return unierrors.New(unierrors.KindCircuitOpen, "half-open probe already in flight")
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the circuit and resets the failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure increments the failure counter, tripping the breaker open
// once failures exceed failureThreshold (so failureThreshold calls are still
// let through before the breaker opens), or immediately if the failing call
// was the half-open probe.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures > b.failureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State reports the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
