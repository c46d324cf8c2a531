// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbeema/tracetck/pkg/traces"
)

// Breaker defaults for the OTLP exporter.
const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second
)

// ErrCircuitOpen is returned for exports refused while the backend is
// considered down.
var ErrCircuitOpen = errors.New("export circuit open")

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // exporting
	CircuitOpen                         // refusing
	CircuitHalfOpen                     // one trial request allowed
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

// CircuitBreaker refuses exports after consecutive failures until the reset
// period has passed.
type CircuitBreaker struct {
	threshold int
	reset     time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures and lets a
// trial request through once reset has elapsed.
func NewCircuitBreaker(threshold int, reset time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold, reset: reset, now: time.Now}
}

// Allow reports whether an export may be attempted. An open circuit turns
// half-open once the reset period has passed; a half-open circuit admits one
// trial request at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.reset {
			return false
		}
		cb.state = CircuitHalfOpen
		return true
	case CircuitHalfOpen:
		return false
	default:
		return true
	}
}

// Record reports the outcome of an allowed export.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.state = CircuitClosed
		return
	}
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.reset {
		return CircuitHalfOpen
	}
	return cb.state
}

// guardedExporter refuses exports while its breaker is open.
type guardedExporter struct {
	ForestExporter
	cb *CircuitBreaker
}

func withBreaker(exp ForestExporter, cb *CircuitBreaker) *guardedExporter {
	return &guardedExporter{ForestExporter: exp, cb: cb}
}

func (g *guardedExporter) ExportForest(ctx context.Context, scenario string, forest traces.Forest) error {
	if !g.cb.Allow() {
		return ErrCircuitOpen
	}
	err := g.ForestExporter.ExportForest(ctx, scenario, forest)
	g.cb.Record(err)
	return err
}
