// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/mbeema/tracetck/pkg/report"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracetck"

// Stats tracks self-monitoring counters for the harness. Each Stats owns its
// own registry.
type Stats struct {
	startTime time.Time
	registry  *prometheus.Registry

	scenarios     *prometheus.CounterVec
	durations     *prometheus.HistogramVec
	mismatches    *prometheus.CounterVec
	calls         prometheus.Counter
	spansReceived prometheus.Counter
	runs          prometheus.Counter

	passed   atomic.Int64
	failed   atomic.Int64
	errored  atomic.Int64
	received atomic.Int64
	lastOK   atomic.Bool
	lastRun  atomic.Int64 // unix nanos
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	s := &Stats{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenarios_total",
			Help:      "Scenarios evaluated, by outcome.",
		}, []string{"status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_duration_seconds",
			Help:      "Scenario wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"scenario"}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mismatches_total",
			Help:      "Structural mismatches reported, by kind.",
		}, []string{"kind"}),
		calls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Requests issued against the system under test.",
		}),
		spansReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_received_total",
			Help:      "Spans received by the OTLP receivers.",
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed suite runs.",
		}),
	}

	s.registry.MustRegister(
		s.scenarios, s.durations, s.mismatches, s.calls, s.spansReceived, s.runs,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Harness uptime in seconds.",
		}, func() float64 { return s.Uptime().Seconds() }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Uptime returns harness uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Registry exposes the registry backing /metrics.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in Prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// AddSpansReceived counts spans accepted by a receiver. It matches the
// receivers' OnReceive hook.
func (s *Stats) AddSpansReceived(n int) {
	s.spansReceived.Add(float64(n))
	s.received.Add(int64(n))
}

// RecordResult counts one scenario outcome.
func (s *Stats) RecordResult(res *report.Result) {
	s.scenarios.WithLabelValues(res.Status.String()).Inc()
	s.durations.WithLabelValues(res.Scenario).Observe(res.Duration.Seconds())
	s.calls.Add(float64(res.Calls))
	if res.Mismatch != nil {
		s.mismatches.WithLabelValues(res.Mismatch.Kind.String()).Inc()
	}

	switch res.Status {
	case report.StatusPassed:
		s.passed.Add(1)
	case report.StatusFailed:
		s.failed.Add(1)
	case report.StatusError:
		s.errored.Add(1)
	}
}

// RecordReport counts a finished run. Results are expected to have been
// recorded one by one already.
func (s *Stats) RecordReport(rep *report.Report) {
	s.runs.Inc()
	s.lastOK.Store(rep.OK())
	s.lastRun.Store(rep.Started.Add(rep.Duration).UnixNano())
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds float64
	Goroutines    int
	Passed        int64
	Failed        int64
	Errored       int64
	SpansReceived int64
	LastRunOK     bool
	LastRun       time.Time
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Passed:        s.passed.Load(),
		Failed:        s.failed.Load(),
		Errored:       s.errored.Load(),
		SpansReceived: s.received.Load(),
		LastRunOK:     s.lastOK.Load(),
	}
	if ns := s.lastRun.Load(); ns != 0 {
		snap.LastRun = time.Unix(0, ns)
	}
	return snap
}
