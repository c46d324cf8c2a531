// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package target

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbeema/tracetck/pkg/expected"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/zap"
)

const tracerBody = `{
  "spans": [
    {
      "spanId": 11, "parentId": 0, "traceId": 7,
      "cachedOperationName": "GET:org.example.Resource.nested",
      "startMicros": 1700000000000000, "finishMicros": 1700000000002500,
      "tags": {"span.kind": "server", "http.status": 200, "component": "jaxrs"},
      "logEntries": []
    },
    {
      "spanId": 12, "parentId": 11, "traceId": 7,
      "cachedOperationName": "GET",
      "tags": {"span.kind": "client", "error": true},
      "logEntries": [{"event": "error", "error.object": {"message": "boom"}}]
    }
  ]
}`

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/app/", Timeout: 2 * time.Second}, zap.NewNop()), srv
}

func TestCallBuildsURL(t *testing.T) {
	var gotPath, gotQuery string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	})

	err := c.Call(context.Background(), expected.PathNested, expected.NestedQuery("5", 1, 2, false, true), http.StatusOK)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotPath != "/app/rest/testServices/nested" {
		t.Errorf("path = %s", gotPath)
	}
	if want := "data=5&nestDepth=1&nestBreadth=2&failNest=false&async=true"; gotQuery != want {
		t.Errorf("query = %s, want %s", gotQuery, want)
	}
}

func TestCallServiceUsesServicePath(t *testing.T) {
	var gotPath, gotQuery string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	})

	q := expected.RestClientQuery("9", 1, 2, false, false)
	if err := c.CallService(context.Background(), expected.ServiceRestClient, expected.PathNestedRestClient, q, http.StatusOK); err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if gotPath != "/app/rest/mpRestClient/nestedMpRestClient" {
		t.Errorf("path = %s", gotPath)
	}
	if want := "nestDepth=1&nestBreadth=2&async=false&data=9&failNest=false"; gotQuery != want {
		t.Errorf("query = %s, want %s", gotQuery, want)
	}
}

func TestCallUnexpectedStatus(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("kaput"))
	})

	err := c.Call(context.Background(), expected.PathSimpleTest, nil, http.StatusOK)
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if se.Expected != http.StatusOK || se.Got != http.StatusInternalServerError || se.Body != "kaput" {
		t.Errorf("unexpected error detail: %+v", se)
	}

	// The same status is fine when it was asked for.
	if err := c.Call(context.Background(), expected.PathError, nil, http.StatusInternalServerError); err != nil {
		t.Errorf("Call with matching status: %v", err)
	}
}

func TestCallAnyStatus(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if err := c.CallService(context.Background(), expected.ServiceSkipAll, expected.PathSkipAllSimple, nil, 0); err != nil {
		t.Errorf("status 0 should accept any response, got %v", err)
	}
}

func TestCallRootLeavesDeployment(t *testing.T) {
	var gotPath string
	c, srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	u, err := c.RootURL("metrics/base")
	if err != nil {
		t.Fatalf("RootURL: %v", err)
	}
	if u != srv.URL+"/metrics/base" {
		t.Errorf("RootURL = %s", u)
	}

	if err := c.CallRoot(context.Background(), "health", 0); err != nil {
		t.Fatalf("CallRoot: %v", err)
	}
	if gotPath != "/health" {
		t.Errorf("path = %s, want /health", gotPath)
	}
	if err := c.CallRoot(context.Background(), "health", http.StatusOK); !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestRootURLNeedsHost(t *testing.T) {
	c := New(Config{BaseURL: "/app/"}, nil)
	if _, err := c.RootURL("health"); err == nil {
		t.Error("expected an error for a base url without host")
	}
	if err := c.CallRoot(context.Background(), "health", 0); err == nil {
		t.Error("expected CallRoot to fail without a host")
	}
}

func TestCallDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_ = c.Call(context.Background(), expected.PathSimpleTest, nil, http.StatusOK)
	if n := hits.Load(); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}

func TestFetchDecodesTracer(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/app/rest/tracer/getTracer" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tracerBody))
	})

	records, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	root := records[0]
	if root.SpanID != "11" || !root.IsRoot() {
		t.Errorf("root id=%s parent=%s", root.SpanID, root.ParentID)
	}
	if root.Operation != "GET:org.example.Resource.nested" {
		t.Errorf("root operation = %s", root.Operation)
	}
	if v := root.Tags[traces.TagHTTPStatus]; v != 200.0 {
		t.Errorf("http.status = %v (%T)", v, v)
	}
	if d := root.Duration(); d != 2500*time.Microsecond {
		t.Errorf("duration = %v", d)
	}
	if len(root.Logs) != 0 {
		t.Errorf("expected no root logs, got %v", root.Logs)
	}

	child := records[1]
	if child.ParentID != "11" {
		t.Errorf("child parent = %s", child.ParentID)
	}
	if child.Tags[traces.TagError] != true {
		t.Errorf("child error tag = %v", child.Tags[traces.TagError])
	}
	if len(child.Logs) != 1 {
		t.Fatalf("expected 1 child log, got %d", len(child.Logs))
	}
	if child.Logs[0][traces.LogEvent] != "error" {
		t.Errorf("log event = %v", child.Logs[0][traces.LogEvent])
	}
	if _, ok := child.Logs[0][traces.LogErrorObject]; !ok {
		t.Error("expected an error.object log field")
	}
	if !child.Start.IsZero() {
		t.Errorf("expected zero start, got %v", child.Start)
	}

	forest := traces.Build(records)
	if len(forest) != 1 || forest[0].Count() != 2 {
		t.Errorf("expected one 2-span tree, got:\n%s", forest)
	}
}

func TestFetchNonOK(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := c.Fetch(context.Background()); !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestFetchMalformedBody(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})

	_, err := c.Fetch(context.Background())
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("decode error should not be a status error: %v", err)
	}
}

func TestReset(t *testing.T) {
	var method, path string
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if method != http.MethodDelete || path != "/app/rest/tracer/clearTracer" {
		t.Errorf("Reset issued %s %s", method, path)
	}
}

func TestResetFailure(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if err := c.Reset(context.Background()); !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestCallHonorsContext(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, expected.PathSimpleTest, nil, http.StatusOK)
	if err == nil {
		t.Fatal("expected a context error")
	}
	if errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("context error should not be a status error: %v", err)
	}
}

func TestDecodeTracerParentZeroIsRoot(t *testing.T) {
	records, err := DecodeTracer([]byte(`{"spans":[{"spanId":1,"parentId":0,"operationName":"op"}]}`))
	if err != nil {
		t.Fatalf("DecodeTracer: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].ParentID != traces.NoParent || records[0].Operation != "op" {
		t.Errorf("record = %+v", records[0])
	}
}
