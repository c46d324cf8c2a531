// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package report holds the outcome of a conformance run.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbeema/tracetck/pkg/compare"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/multierr"
)

// Status is the outcome of one scenario.
type Status int

const (
	// StatusPassed means the observed forest matched the expected one.
	StatusPassed Status = iota
	// StatusFailed means the forests differ.
	StatusFailed
	// StatusError means the scenario could not be evaluated.
	StatusError
	// StatusSkipped means the scenario was not selected or not applicable.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPassed:
		return "pass"
	case StatusFailed:
		return "fail"
	case StatusError:
		return "error"
	case StatusSkipped:
		return "skip"
	default:
		return "unknown"
	}
}

// ErrMismatch is wrapped by Result.Cause for scenarios whose forests differ.
var ErrMismatch = errors.New("trace tree mismatch")

// Result is the outcome of one scenario.
type Result struct {
	Scenario string
	Status   Status
	Duration time.Duration

	// Calls is the number of requests issued against the system under test.
	Calls int
	// Spans is the number of records collected.
	Spans int

	Mismatch *compare.Mismatch
	Err      error

	// Observed is the forest as collected, before normalisation.
	Observed traces.Forest
}

// Cause returns the error describing a non-passing result, or nil. A failed
// result carrying Err (a correlation failure) reports that error.
func (r *Result) Cause() error {
	switch r.Status {
	case StatusFailed:
		if r.Err != nil {
			return fmt.Errorf("%s: %w", r.Scenario, r.Err)
		}
		if r.Mismatch != nil {
			return fmt.Errorf("%s: %w: %s", r.Scenario, ErrMismatch, r.Mismatch.Error())
		}
		return fmt.Errorf("%s: %w", r.Scenario, ErrMismatch)
	case StatusError:
		if r.Err != nil {
			return fmt.Errorf("%s: %w", r.Scenario, r.Err)
		}
		return fmt.Errorf("%s: scenario error", r.Scenario)
	default:
		return nil
	}
}

// Report collects the results of a run in execution order.
type Report struct {
	Started  time.Time
	Duration time.Duration
	Results  []*Result
}

// New starts an empty report.
func New() *Report {
	return &Report{Started: time.Now()}
}

// Add appends a result.
func (r *Report) Add(res *Result) {
	r.Results = append(r.Results, res)
}

// Finish records the run duration.
func (r *Report) Finish() {
	r.Duration = time.Since(r.Started)
}

// Count returns the number of results with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// OK reports whether no scenario failed or errored.
func (r *Report) OK() bool {
	return r.Count(StatusFailed) == 0 && r.Count(StatusError) == 0
}

// Failures returns the failed and errored results.
func (r *Report) Failures() []*Result {
	var out []*Result
	for _, res := range r.Results {
		if res.Status == StatusFailed || res.Status == StatusError {
			out = append(out, res)
		}
	}
	return out
}

// Err combines the causes of every failing scenario.
func (r *Report) Err() error {
	var err error
	for _, res := range r.Failures() {
		err = multierr.Append(err, res.Cause())
	}
	return err
}
