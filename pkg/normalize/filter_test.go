// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package normalize

import (
	"reflect"
	"testing"

	"github.com/mbeema/tracetck/pkg/traces"
)

func observedTree() traces.Forest {
	server := traces.NewRecord("1", traces.NoParent, "GET:Resource.handler", map[string]any{
		traces.TagSpanKind:   "server",
		traces.TagHTTPMethod: "GET",
		traces.TagHTTPURL:    "http://localhost:8080/rest/testServices/simpleTest",
		traces.TagHTTPStatus: 200,
		traces.TagComponent:  "jaxrs",
		traces.TagError:      true,
		"peer.hostname":      "localhost",
	})
	server.AddLog(map[string]any{"event": "error", "error.object": "boom", "stack": "..."})

	local := traces.NewRecord("2", "1", "localSpan", map[string]any{
		LocalSpanTag:  "localSpanValue",
		"thread.name": "worker-1",
	})
	local.AddLog(map[string]any{"event": "error", "error.object": "boom", "message": "x"})

	return traces.Build([]*traces.Record{server, local})
}

func TestTagsOnlyStripsExtraTagsAndLogs(t *testing.T) {
	in := observedTree()
	out := TagsOnly().Apply(in)

	root := out[0].Record
	if _, ok := root.Tags["peer.hostname"]; ok {
		t.Error("expected peer.hostname removed")
	}
	if _, ok := root.Tags[traces.TagError]; ok {
		t.Error("expected error tag removed in tags-only mode")
	}
	if len(root.Tags) != 5 {
		t.Errorf("expected 5 standard tags, got %d: %v", len(root.Tags), root.Tags)
	}
	if root.Logs != nil {
		t.Errorf("expected logs dropped, got %v", root.Logs)
	}

	child := out[0].Children[0].Record
	if len(child.Tags) != 1 || child.Tags[LocalSpanTag] != "localSpanValue" {
		t.Errorf("expected only localSpanKey on child, got %v", child.Tags)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	in := observedTree()
	_ = TagsOnly().Apply(in)
	if _, ok := in[0].Record.Tags["peer.hostname"]; !ok {
		t.Error("input forest was modified")
	}
	if len(in[0].Record.Logs) != 1 {
		t.Error("input logs were modified")
	}
}

func TestWithErrorsKeepsErrorFields(t *testing.T) {
	out := WithErrors().Apply(observedTree())

	root := out[0].Record
	if root.Tags[traces.TagError] != true {
		t.Error("expected error tag kept")
	}
	// Server span logs are left as recorded.
	if len(root.Logs) != 1 || len(root.Logs[0]) != 3 {
		t.Errorf("expected server logs untouched, got %v", root.Logs)
	}

	child := out[0].Children[0].Record
	if len(child.Logs) != 1 {
		t.Fatalf("expected 1 log entry on child, got %d", len(child.Logs))
	}
	want := traces.LogEntry{"event": "error", "error.object": "boom"}
	if !reflect.DeepEqual(child.Logs[0], want) {
		t.Errorf("child log = %v, want %v", child.Logs[0], want)
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	for name, f := range map[string]Filter{
		"tags-only":   TagsOnly(),
		"with-errors": WithErrors(),
		"custom":      New([]string{traces.TagHTTPURL}, true, []string{"event"}),
	} {
		once := f.Apply(observedTree())
		twice := f.Apply(once)
		if once.String() != twice.String() {
			t.Errorf("%s: second pass changed the forest:\n%s\nvs\n%s", name, once, twice)
		}
		if !reflect.DeepEqual(once[0].Children[0].Record.Logs, twice[0].Children[0].Record.Logs) {
			t.Errorf("%s: second pass changed logs", name)
		}
	}
}

func TestApplyNode(t *testing.T) {
	in := observedTree()[0]
	out := TagsOnly().ApplyNode(in)
	if out == in {
		t.Fatal("expected a copy")
	}
	if _, ok := out.Record.Tags["peer.hostname"]; ok {
		t.Error("expected tag removed from copy")
	}
}

func TestServerLogsVerbatimWithoutSpanKindTag(t *testing.T) {
	f := WithErrors()
	delete(f.Tags, traces.TagSpanKind)

	out := f.Apply(observedTree())
	root := out[0].Record
	if _, ok := root.Tags[traces.TagSpanKind]; ok {
		t.Fatal("expected span.kind filtered out")
	}
	if _, ok := root.Logs[0]["stack"]; !ok {
		t.Errorf("expected server log kept verbatim, got %v", root.Logs[0])
	}
	child := out[0].Children[0].Record
	if _, ok := child.Logs[0]["message"]; ok {
		t.Errorf("expected non-server log fields filtered, got %v", child.Logs[0])
	}
}
