// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package compare

import (
	"reflect"
	"strings"
	"testing"

	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func span(op string, tags map[string]any, children ...*traces.Node) *traces.Node {
	return traces.NewNode(traces.NewRecord("", traces.NoParent, op, tags), children...)
}

func serverTags(url string, status int) map[string]any {
	return map[string]any{
		traces.TagSpanKind:   "server",
		traces.TagHTTPMethod: "GET",
		traces.TagHTTPURL:    url,
		traces.TagHTTPStatus: status,
		traces.TagComponent:  "jaxrs",
	}
}

func nestedForest(firstChild, secondChild string) traces.Forest {
	return traces.Forest{
		span("GET:Svc.nested", serverTags("http://h/rest/s/nested", 200),
			span(firstChild, map[string]any{traces.TagSpanKind: "client"},
				span("GET:Svc.leaf", serverTags("http://h/rest/s/leaf?x=1", 200))),
			span(secondChild, map[string]any{traces.TagSpanKind: "client"},
				span("GET:Svc.leaf", serverTags("http://h/rest/s/leaf?x=2", 200))),
		),
	}
}

func withLogs(n *traces.Node, entries ...map[string]any) *traces.Node {
	for _, e := range entries {
		n.Record.AddLog(e)
	}
	return n
}

// mustMismatch fails the test unless m is a mismatch of kind.
func mustMismatch(t *testing.T, m *Mismatch, kind MismatchKind) *Mismatch {
	t.Helper()
	if m == nil {
		t.Fatalf("expected a %s mismatch, got none", kind)
	}
	if m.Kind != kind {
		t.Fatalf("expected a %s mismatch, got %v", kind, m)
	}
	return m
}

func TestEqualIsReflexive(t *testing.T) {
	c := New(Ordered, zap.NewNop())
	f := nestedForest("GET", "GET")
	withLogs(f[0].Children[1],
		map[string]any{traces.LogEvent: "error", traces.LogErrorObject: nil, "message": nil},
		map[string]any{traces.LogEvent: "error", traces.LogErrorObject: "java.lang.RuntimeException"},
	)

	if !c.Equal(f, f) {
		t.Error("forest should equal itself")
	}
	if !c.Equal(f, f.Clone()) {
		t.Error("forest should equal its clone")
	}
	if !New(Unordered, nil).Equal(f, f.Clone()) {
		t.Error("forest should equal its clone in unordered mode")
	}
}

func TestEqualEmptyForests(t *testing.T) {
	if !New(Ordered, nil).Equal(nil, traces.Forest{}) {
		t.Error("nil and empty forests should be equal")
	}
}

func TestNumericTagsCompareAcrossTypes(t *testing.T) {
	c := New(Ordered, nil)
	observed := traces.Forest{span("op", map[string]any{traces.TagHTTPStatus: 200.0})}
	expected := traces.Forest{span("op", map[string]any{traces.TagHTTPStatus: int64(200)})}
	if m := c.Compare(observed, expected); m != nil {
		t.Errorf("unexpected mismatch: %v", m)
	}
}

func TestRootCountMismatch(t *testing.T) {
	c := New(Ordered, nil)
	m := mustMismatch(t, c.Compare(traces.Forest{span("a", nil)}, traces.Forest{span("a", nil), span("b", nil)}), MismatchRootCount)
	if m.Observed != 1 || m.Expected != 2 {
		t.Errorf("observed=%v expected=%v", m.Observed, m.Expected)
	}
}

func TestOperationMismatch(t *testing.T) {
	c := New(Ordered, nil)
	m := mustMismatch(t, c.Compare(traces.Forest{span("a", nil)}, traces.Forest{span("b", nil)}), MismatchOperation)
	if m.Path != "root[0]" {
		t.Errorf("path = %s", m.Path)
	}
}

func TestChildCountMismatch(t *testing.T) {
	c := New(Ordered, nil)
	m := mustMismatch(t, c.Compare(
		traces.Forest{span("a", nil, span("x", nil))},
		traces.Forest{span("a", nil)},
	), MismatchChildCount)
	if m.Operation != "a" {
		t.Errorf("operation = %s", m.Operation)
	}
}

func TestTagMismatches(t *testing.T) {
	c := New(Ordered, nil)

	mustMismatch(t, c.Compare(
		traces.Forest{span("a", map[string]any{"k": "v", "extra": 1})},
		traces.Forest{span("a", map[string]any{"k": "v"})},
	), MismatchTagCount)

	m := mustMismatch(t, c.Compare(
		traces.Forest{span("a", map[string]any{"k": "v"})},
		traces.Forest{span("a", map[string]any{"k": "w"})},
	), MismatchTag)
	if m.Key != "k" {
		t.Errorf("key = %s", m.Key)
	}

	m = mustMismatch(t, c.Compare(
		traces.Forest{span("a", map[string]any{"other": "v"})},
		traces.Forest{span("a", map[string]any{"k": "v"})},
	), MismatchTag)
	if m.Observed != nil {
		t.Errorf("observed = %v, want nil", m.Observed)
	}
}

func TestLogComparison(t *testing.T) {
	c := New(Ordered, nil)
	expected := traces.Forest{withLogs(span("a", nil), map[string]any{"event": "error", "error.object": "placeholder"})}

	t.Run("error object compared for presence only", func(t *testing.T) {
		observed := traces.Forest{withLogs(span("a", nil), map[string]any{"event": "error", "error.object": "java.lang.RuntimeException at line 42"})}
		if m := c.Compare(observed, expected); m != nil {
			t.Errorf("unexpected mismatch: %v", m)
		}
	})

	t.Run("missing error object", func(t *testing.T) {
		observed := traces.Forest{withLogs(span("a", nil), map[string]any{"event": "error", "message": "x"})}
		m := mustMismatch(t, c.Compare(observed, expected), MismatchLogField)
		if m.Key != "error.object" {
			t.Errorf("key = %s", m.Key)
		}
	})

	t.Run("nil error object against a set one", func(t *testing.T) {
		observed := traces.Forest{withLogs(span("a", nil), map[string]any{"event": "error", "error.object": nil})}
		m := mustMismatch(t, c.Compare(observed, expected), MismatchLogField)
		if m.Key != "error.object" {
			t.Errorf("key = %s", m.Key)
		}
	})

	t.Run("nil fields on both sides", func(t *testing.T) {
		entry := map[string]any{"event": "error", "error.object": nil, "message": nil}
		observed := traces.Forest{withLogs(span("a", nil), entry)}
		if m := c.Compare(observed, observed.Clone()); m != nil {
			t.Errorf("unexpected mismatch: %v", m)
		}
	})

	t.Run("nil field against a value", func(t *testing.T) {
		observed := traces.Forest{withLogs(span("a", nil), map[string]any{"event": nil, "error.object": "x"})}
		m := mustMismatch(t, c.Compare(observed, expected), MismatchLogField)
		if m.Key != "event" {
			t.Errorf("key = %s", m.Key)
		}
	})

	t.Run("event value differs", func(t *testing.T) {
		observed := traces.Forest{withLogs(span("a", nil), map[string]any{"event": "warn", "error.object": "x"})}
		m := mustMismatch(t, c.Compare(observed, expected), MismatchLogField)
		if m.Key != "event" || m.Path != "root[0]/log[0]" {
			t.Errorf("key=%s path=%s", m.Key, m.Path)
		}
	})

	t.Run("field count differs", func(t *testing.T) {
		observed := traces.Forest{withLogs(span("a", nil), map[string]any{"event": "error"})}
		mustMismatch(t, c.Compare(observed, expected), MismatchLogField)
	})

	t.Run("entry count differs", func(t *testing.T) {
		mustMismatch(t, c.Compare(traces.Forest{span("a", nil)}, expected), MismatchLogCount)
	})
}

func TestOrderedRejectsSwappedSiblings(t *testing.T) {
	observed := traces.Forest{
		span("root", nil, span("first", nil), span("second", nil)),
	}
	expected := traces.Forest{
		span("root", nil, span("second", nil), span("first", nil)),
	}

	m := mustMismatch(t, New(Ordered, nil).Compare(observed, expected), MismatchOperation)
	if m.Path != "root[0]/child[0]" {
		t.Errorf("path = %s", m.Path)
	}
	if m := New(Unordered, nil).Compare(observed, expected); m != nil {
		t.Errorf("unordered mode should accept swapped siblings: %v", m)
	}
}

func TestUnorderedIsMultiset(t *testing.T) {
	c := New(Unordered, nil)
	observed := traces.Forest{span("root", nil, span("a", nil), span("a", nil), span("b", nil))}
	expected := traces.Forest{span("root", nil, span("b", nil), span("a", nil), span("b", nil))}

	m := mustMismatch(t, c.Compare(observed, expected), MismatchUnmatched)
	if m.Path != "root[0]/child[2]" {
		t.Errorf("path = %s", m.Path)
	}
	if !reflect.DeepEqual(m.Observed, []string{"a"}) {
		t.Errorf("observed = %v, want [a]", m.Observed)
	}
}

func TestUnorderedRoots(t *testing.T) {
	c := New(Unordered, nil)
	observed := nestedForest("GET", "GET")
	observed = append(observed, span("solo", nil))
	expected := traces.Forest{span("solo", nil), nestedForest("GET", "GET")[0]}
	if !c.Equal(observed, expected) {
		t.Error("roots should match in any order")
	}
}

func TestUnorderedSingleSiblingReportsDetail(t *testing.T) {
	c := New(Unordered, nil)
	mustMismatch(t, c.Compare(
		traces.Forest{span("root", nil, span("a", map[string]any{"k": 1}))},
		traces.Forest{span("root", nil, span("a", map[string]any{"k": 2}))},
	), MismatchTag)
}

func TestEqualLogsFirstMismatch(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := New(Ordered, zap.New(core))

	if c.Equal(nestedForest("GET", "GET"), nestedForest("GET", "POST")) {
		t.Fatal("forests should differ")
	}
	if logs.Len() != 1 {
		t.Fatalf("expected only the first mismatch logged, got %d entries", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "span tree mismatch" {
		t.Errorf("message = %q", entry.Message)
	}
	if p := entry.ContextMap()["path"]; p != "root[0]/child[1]" {
		t.Errorf("path = %v", p)
	}
}

func TestEqualTree(t *testing.T) {
	c := New(Ordered, nil)
	f := nestedForest("GET", "GET")
	if !c.EqualTree(f[0], f.Clone()[0]) {
		t.Error("tree should equal its clone")
	}
	m := mustMismatch(t, c.CompareTree(f[0], nestedForest("GET", "PUT")[0]), MismatchOperation)
	if !strings.Contains(m.Error(), "operation name") {
		t.Errorf("Error() = %s", m.Error())
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Unordered")
	if err != nil || m != Unordered {
		t.Errorf("ParseMode(Unordered) = %v, %v", m, err)
	}
	m, err = ParseMode("")
	if err != nil || m != Ordered {
		t.Errorf("ParseMode(\"\") = %v, %v", m, err)
	}
	if _, err := ParseMode("sideways"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}
