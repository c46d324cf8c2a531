// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package session accumulates span records for one test scenario and exposes
// them to the harness through a typed source interface.
package session

import (
	"context"
	"sync"

	"github.com/mbeema/tracetck/pkg/traces"
)

// Session collects completed spans between resets.
type Session interface {
	Record(r *traces.Record)
	Drain() []*traces.Record
	Reset()
}

// Source is implemented by anything the harness can pull span records from.
type Source interface {
	Fetch(ctx context.Context) ([]*traces.Record, error)
	Reset(ctx context.Context) error
}

// Memory is an in-process Session safe for concurrent recorders.
type Memory struct {
	mu       sync.Mutex
	records  []*traces.Record
	onRecord func(*traces.Record)
}

// NewMemory creates an empty in-memory session.
func NewMemory() *Memory {
	return &Memory{}
}

// OnRecord registers a callback invoked for every recorded span.
func (m *Memory) OnRecord(fn func(*traces.Record)) {
	m.mu.Lock()
	m.onRecord = fn
	m.mu.Unlock()
}

// Record appends r in arrival order.
func (m *Memory) Record(r *traces.Record) {
	m.mu.Lock()
	m.records = append(m.records, r)
	cb := m.onRecord
	m.mu.Unlock()

	if cb != nil {
		cb(r)
	}
}

// Drain returns every accumulated record and empties the session.
func (m *Memory) Drain() []*traces.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.records
	m.records = nil
	return out
}

// Snapshot returns a copy of the accumulated records without clearing them.
func (m *Memory) Snapshot() []*traces.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*traces.Record, len(m.records))
	copy(out, m.records)
	return out
}

// Len returns the number of accumulated records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Reset discards all accumulated records.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
}

// SessionSource adapts a Session to Source. Fetch drains the session, so each
// scenario sees exactly the spans recorded since the previous fetch or reset.
type SessionSource struct {
	S Session
}

// NewSource wraps s.
func NewSource(s Session) *SessionSource {
	return &SessionSource{S: s}
}

func (s *SessionSource) Fetch(ctx context.Context) ([]*traces.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.S.Drain(), nil
}

func (s *SessionSource) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.S.Reset()
	return nil
}
