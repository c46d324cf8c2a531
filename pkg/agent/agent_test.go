// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mbeema/tracetck/pkg/config"
	"github.com/mbeema/tracetck/pkg/expected"
	"github.com/mbeema/tracetck/pkg/export"
	"github.com/mbeema/tracetck/pkg/harness"
	"github.com/mbeema/tracetck/pkg/report"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/zap"
)

// newTestConfig points a quiet configuration at baseURL.
func newTestConfig(baseURL string, scenarios ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Target.BaseURL = baseURL
	cfg.Target.RequestTimeout = 2 * time.Second
	cfg.Concurrency.Grace = 0
	cfg.Concurrency.Calls = 4
	cfg.Exporters.Stdout.Enabled = false
	cfg.Scenarios = scenarios
	return cfg
}

// emptyTracerSUT answers every service call with 200 and never records a span.
func emptyTracerSUT(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/tracer/getTracer":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"spans":[]}`)
		case "/rest/tracer/clearTracer":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func resultsByName(rep *report.Report) map[string]*report.Result {
	out := make(map[string]*report.Result, len(rep.Results))
	for _, res := range rep.Results {
		out[res.Scenario] = res
	}
	return out
}

func TestRunAgainstRESTTarget(t *testing.T) {
	srv := emptyTracerSUT(t)
	cfg := newTestConfig(srv.URL+"/", harness.NotTraced, harness.StandardTags)

	a, err := New(cfg, "test", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	rep, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := resultsByName(rep)
	if s := got[harness.NotTraced].Status; s != report.StatusPassed {
		t.Errorf("not-traced = %v, want pass", s)
	}
	if s := got[harness.StandardTags].Status; s != report.StatusFailed {
		t.Errorf("standard-tags = %v, want fail", s)
	}
	if rep.OK() {
		t.Error("report should not be OK")
	}

	snap := a.Stats().Snapshot()
	if snap.Passed != 1 || snap.Failed != 1 {
		t.Errorf("stats passed=%d failed=%d, want 1/1", snap.Passed, snap.Failed)
	}
	if snap.LastRunOK {
		t.Error("last run should be recorded as failed")
	}
}

func TestOTLPSourceRun(t *testing.T) {
	var (
		b   *expected.Builder
		exp *export.HTTPOTLPExporter
	)
	sut := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/"+expected.PathSimpleTest) {
			forest := traces.Forest{b.Span(traces.SpanKindServer, expected.PathSimpleTest, nil, http.StatusOK)}
			if err := exp.ExportForest(r.Context(), "sut", forest); err != nil {
				t.Errorf("sut export: %v", err)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer sut.Close()
	b = expected.NewBuilder(sut.URL + "/")

	cfg := newTestConfig(sut.URL+"/", harness.StandardTags, harness.NotTraced)
	cfg.Target.Source = "otlp"
	cfg.Concurrency.Grace = 100 * time.Millisecond
	cfg.Receiver.Enabled = true
	cfg.Receiver.GRPCAddr = "127.0.0.1:0"
	cfg.Receiver.HTTPAddr = "127.0.0.1:0"
	cfg.Health.Enabled = true
	cfg.Health.Port = "127.0.0.1:0"

	a, err := New(cfg, "test", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	grpcAddr, httpAddr := a.ReceiverAddrs()
	if grpcAddr == "" || httpAddr == "" {
		t.Fatalf("receivers not bound: grpc=%q http=%q", grpcAddr, httpAddr)
	}
	exp, err = export.NewHTTPOTLPExporter(&config.OTLPConfig{Endpoint: httpAddr, Insecure: true, Protocol: "http"}, nil)
	if err != nil {
		t.Fatalf("NewHTTPOTLPExporter: %v", err)
	}

	rep, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, res := range rep.Results {
		if res.Status != report.StatusPassed {
			t.Errorf("%s = %v: %v", res.Scenario, res.Status, res.Cause())
		}
	}
	if n := a.Stats().Snapshot().SpansReceived; n != 1 {
		t.Errorf("spans received = %d, want 1", n)
	}

	resp, err := http.Get("http://" + a.HealthAddr() + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready = %d, want 200", resp.StatusCode)
	}
}

func TestNewRejectsUnknownScenario(t *testing.T) {
	cfg := newTestConfig("http://localhost:9080/", "no-such-scenario")
	if _, err := New(cfg, "test", zap.NewNop()); err == nil {
		t.Fatal("expected an error for an unknown scenario")
	}
}

func TestReload(t *testing.T) {
	srv := emptyTracerSUT(t)
	a, err := New(newTestConfig(srv.URL+"/", harness.StandardTags), "test", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	bad := newTestConfig(srv.URL+"/", "bogus")
	if err := a.Reload(bad); err == nil {
		t.Error("reload with an unknown scenario should fail")
	}
	if got := a.Config().Scenarios; len(got) != 1 || got[0] != harness.StandardTags {
		t.Errorf("failed reload replaced the config: %v", got)
	}

	if err := a.Reload(newTestConfig(srv.URL+"/", harness.NotTraced)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	rep, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Results) != 1 || rep.Results[0].Scenario != harness.NotTraced {
		t.Fatalf("run after reload used the old scenarios: %+v", rep.Results)
	}
	if !rep.OK() {
		t.Errorf("not-traced should pass: %v", rep.Err())
	}
}

func TestStopWithoutStart(t *testing.T) {
	cfg := newTestConfig("http://localhost:9080/")
	cfg.Health.Enabled = true
	a, err := New(cfg, "test", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestRunScenarioGroup(t *testing.T) {
	srv := emptyTracerSUT(t)
	a, err := New(newTestConfig(srv.URL+"/", harness.GroupSkipPattern), "test", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	rep, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := 4 + len(expected.ServerEndpoints); len(rep.Results) != want {
		t.Fatalf("expected %d results, got %d", want, len(rep.Results))
	}
	for name, res := range resultsByName(rep) {
		want := report.StatusPassed
		// The service answers 200 where the skipped endpoint answers 204.
		if name == harness.SkipSimple {
			want = report.StatusError
		}
		if res.Status != want {
			t.Errorf("%s = %v, want %v: %v", name, res.Status, want, res.Cause())
		}
	}
}
