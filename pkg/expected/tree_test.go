// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package expected

import (
	"reflect"
	"strings"
	"testing"

	"github.com/mbeema/tracetck/pkg/traces"
)

const base = "http://localhost:8080/app/"

func TestURL(t *testing.T) {
	b := NewBuilder(base)
	if u := b.URL(PathSimpleTest, nil); u != "http://localhost:8080/app/rest/testServices/simpleTest" {
		t.Errorf("URL = %s", u)
	}
	want := "http://localhost:8080/app/rest/testServices/nested?data=7&nestDepth=1&nestBreadth=2&failNest=false&async=true"
	if u := b.URL(PathNested, NestedQuery("7", 1, 2, false, true)); u != want {
		t.Errorf("URL = %s, want %s", u, want)
	}
}

func TestSimpleSpan(t *testing.T) {
	b := NewBuilder(base)
	n := b.Span(traces.SpanKindServer, PathSimpleTest, nil, 200)

	if op := n.Record.Operation; op != "GET:"+DefaultResource+".simpleTest" {
		t.Errorf("operation = %s", op)
	}
	want := map[string]any{
		traces.TagSpanKind:   "server",
		traces.TagHTTPMethod: "GET",
		traces.TagHTTPURL:    "http://localhost:8080/app/rest/testServices/simpleTest",
		traces.TagHTTPStatus: 200.0,
		traces.TagComponent:  "jaxrs",
	}
	if !reflect.DeepEqual(n.Record.Tags, want) {
		t.Errorf("tags = %v, want %v", n.Record.Tags, want)
	}
	if len(n.Children) != 0 || n.Record.SpanID != "" {
		t.Errorf("expected a leaf without id, got %+v", n.Record)
	}
}

func TestNestedDepthOneBreadthTwo(t *testing.T) {
	b := NewBuilder(base)
	root := b.Nested(NestParams{Token: "42", Depth: 1, Breadth: 2})

	if len(root.Children) != 2 || root.Count() != 5 {
		t.Fatalf("expected 2 children and 5 spans, got:\n%s", root)
	}
	if root.Record.Tags[traces.TagSpanKind] != "server" {
		t.Errorf("root kind = %v", root.Record.Tags[traces.TagSpanKind])
	}
	if u := root.Record.Tag(traces.TagHTTPURL); !strings.Contains(u, "data=42&nestDepth=1&nestBreadth=2&failNest=false&async=false") {
		t.Errorf("root url = %s", u)
	}

	for _, client := range root.Children {
		if client.Record.Tags[traces.TagSpanKind] != "client" || client.Record.Operation != "GET" {
			t.Errorf("client span = %+v", client.Record)
		}
		if len(client.Children) != 1 {
			t.Fatalf("expected one server span below the client, got %d", len(client.Children))
		}
		server := client.Children[0]
		if server.Record.Tags[traces.TagSpanKind] != "server" || len(server.Children) != 0 {
			t.Errorf("downstream span = %s", server)
		}
		if cu, su := client.Record.Tag(traces.TagHTTPURL), server.Record.Tag(traces.TagHTTPURL); cu != su {
			t.Errorf("client url %s differs from server url %s", cu, su)
		}
		if u := server.Record.Tag(traces.TagHTTPURL); !strings.Contains(u, "nestDepth=0&nestBreadth=1") {
			t.Errorf("downstream url = %s", u)
		}
	}
}

func TestNestedFailure(t *testing.T) {
	b := NewBuilder(base)
	root := b.Nested(NestParams{Token: "9", Depth: 1, Breadth: 2, FailNest: true})

	if len(root.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(root.Children))
	}
	if root.Record.Tags[traces.TagHTTPStatus] != 200.0 {
		t.Errorf("root status = %v", root.Record.Tags[traces.TagHTTPStatus])
	}
	if u := root.Record.Tag(traces.TagHTTPURL); !strings.Contains(u, "failNest=true") {
		t.Errorf("root url = %s", u)
	}

	for _, client := range root.Children {
		if len(client.Children) != 1 {
			t.Fatalf("expected one server span below the client, got %d", len(client.Children))
		}
		server := client.Children[0]
		if server.Record.Tags[traces.TagError] != true || server.Record.Tags[traces.TagHTTPStatus] != 500.0 {
			t.Errorf("downstream tags = %v", server.Record.Tags)
		}
		if op := server.Record.Operation; op != "GET:"+DefaultResource+".error" {
			t.Errorf("downstream operation = %s", op)
		}
		if u := server.Record.Tags[traces.TagHTTPURL]; u != base+"rest/testServices/error" {
			t.Errorf("downstream url = %v", u)
		}
		if len(server.Children) != 0 {
			t.Errorf("downstream span should be a leaf")
		}
		if _, ok := client.Record.Tags[traces.TagError]; ok {
			t.Error("client span should not carry the error tag")
		}
	}
}

func TestNestedDeeperRepeatsPattern(t *testing.T) {
	b := NewBuilder(base)
	root := b.Nested(NestParams{Token: "1", Depth: 3, Breadth: 2, Async: true})

	// 1 root + 2 branches of (client, server) repeated three levels deep.
	if root.Count() != 1+2*3*2 || root.Depth() != 7 {
		t.Fatalf("count=%d depth=%d", root.Count(), root.Depth())
	}

	leaf := root.Children[1].Children[0].Children[0].Children[0].Children[0].Children[0]
	if len(leaf.Children) != 0 {
		t.Errorf("expected a leaf, got:\n%s", leaf)
	}
	if u := leaf.Record.Tag(traces.TagHTTPURL); !strings.Contains(u, "nestDepth=0&nestBreadth=1&failNest=false&async=true") {
		t.Errorf("leaf url = %s", u)
	}
}

func TestNestedZeroDepthIsLeaf(t *testing.T) {
	root := NewBuilder(base).Nested(NestParams{Token: "1", Depth: 0, Breadth: 5})
	if len(root.Children) != 0 {
		t.Errorf("expected no children, got %d", len(root.Children))
	}
}

func TestNestedCustomPathAndOrder(t *testing.T) {
	b := NewBuilder(base).For(RestClient)
	root := b.Nested(NestParams{Path: PathNestedRestClient, Token: "3", Depth: 1, Breadth: 2, Order: RestClientQuery})

	want := base + "rest/mpRestClient/nestedMpRestClient?nestDepth=1&nestBreadth=2&async=false&data=3&failNest=false"
	if u := root.Record.Tag(traces.TagHTTPURL); u != want {
		t.Errorf("root url = %s, want %s", u, want)
	}
	if op := root.Record.Operation; op != "GET:"+RestClientResource+"."+PathNestedRestClient {
		t.Errorf("root operation = %s", op)
	}
	down := root.Children[1].Children[0]
	want = base + "rest/mpRestClient/nestedMpRestClient?nestDepth=0&nestBreadth=1&async=false&data=3&failNest=false"
	if u := down.Record.Tag(traces.TagHTTPURL); u != want {
		t.Errorf("downstream url = %s, want %s", u, want)
	}
}

func TestForService(t *testing.T) {
	b := NewBuilder(base)
	rb := b.For(Registrar)

	if rb == b || b.ServicePath != DefaultServicePath || b.Handlers != nil {
		t.Fatal("For must not modify the receiver")
	}
	if u := rb.URL(PathClientBuilder, nil); u != base+"rest/testRegistrarServices/clientBuilder" {
		t.Errorf("URL = %s", u)
	}

	pkg := strings.TrimSuffix(DefaultResource, ".TestServerWebServices")
	if op := rb.Operation(traces.SpanKindServer, PathClientBuilder); op != "GET:"+pkg+".TestClientRegistrarWebServices.clientRegistrar" {
		t.Errorf("mapped handler operation = %s", op)
	}
	if op := rb.Operation(traces.SpanKindServer, PathClientBuilderExecutor); op != "GET:"+pkg+".TestClientRegistrarWebServices.clientRegistrarExecutor" {
		t.Errorf("mapped handler operation = %s", op)
	}
	if op := rb.Operation(traces.SpanKindServer, PathRegistrarOK); op != "GET:"+pkg+".TestClientRegistrarWebServices.ok" {
		t.Errorf("unmapped handler operation = %s", op)
	}

	if same := b.For(Service{}); same.ServicePath != b.ServicePath || same.Resource != b.Resource {
		t.Errorf("empty service should keep the builder's values, got %+v", same)
	}
}

func TestSibling(t *testing.T) {
	b := NewBuilder(base)
	pkg := strings.TrimSuffix(DefaultResource, "TestServerWebServices")
	if s := b.Sibling("Other"); s != pkg+"Other" {
		t.Errorf("Sibling = %s", s)
	}
	if s := b.Sibling("a.b.Qualified"); s != "a.b.Qualified" {
		t.Errorf("qualified Sibling = %s", s)
	}
	b.Resource = "Flat"
	if s := b.Sibling("Other"); s != "Other" {
		t.Errorf("Sibling without package = %s", s)
	}
}

func TestHTTPPathNamer(t *testing.T) {
	b := NewBuilder(base)
	b.Namer = HTTPPathNamer{}
	if op := b.Operation(traces.SpanKindServer, PathSimpleTest); op != "GET:/testServices/simpleTest" {
		t.Errorf("server operation = %s", op)
	}
	if op := b.Operation(traces.SpanKindClient, PathSimpleTest); op != "GET" {
		t.Errorf("client operation = %s", op)
	}

	n := HTTPPathNamer{}.Name(traces.SpanKindServer, "get", Endpoint{ResourcePath: "/wildcard/{id}/", Path: "/getFoo/{name}"})
	if n != "GET:/wildcard/{id}/getFoo/{name}" {
		t.Errorf("Name = %s", n)
	}
}

func TestNamerFor(t *testing.T) {
	n, err := NamerFor("http-path")
	if _, ok := n.(HTTPPathNamer); err != nil || !ok {
		t.Errorf("NamerFor(http-path) = %T, %v", n, err)
	}
	n, err = NamerFor("")
	if _, ok := n.(ClassMethodNamer); err != nil || !ok {
		t.Errorf("NamerFor(\"\") = %T, %v", n, err)
	}
	if _, err := NamerFor("nope"); err == nil {
		t.Error("expected an error for an unknown namer")
	}
}

func TestAnnotatedOperation(t *testing.T) {
	b := NewBuilder(base)
	want := "org.eclipse.microprofile.opentracing.tck.application.TestAnnotatedClass.annotatedClassMethodImplicitlyTraced"
	if op := b.AnnotatedOperation("TestAnnotatedClass", "annotatedClassMethodImplicitlyTraced"); op != want {
		t.Errorf("AnnotatedOperation = %s", op)
	}

	b.Resource = "Flat"
	if op := b.AnnotatedOperation("Other", "m"); op != "Other.m" {
		t.Errorf("AnnotatedOperation = %s", op)
	}
}

func TestErrorSpanAndLocalSpan(t *testing.T) {
	b := NewBuilder(base)
	client := b.ErrorSpan(traces.SpanKindClient, PathError)
	if client.Record.Operation != "GET" || len(client.Record.Tags) != 5 {
		t.Errorf("client error span = %+v", client.Record)
	}

	local := b.LocalSpan()
	if local.Record.Operation != LocalSpanOperation {
		t.Errorf("local operation = %s", local.Record.Operation)
	}
	if want := map[string]any{LocalSpanTagKey: LocalSpanTagValue}; !reflect.DeepEqual(local.Record.Tags, want) {
		t.Errorf("local tags = %v", local.Record.Tags)
	}

	n := WithLog(Leaf("x", nil), map[string]any{"event": "error"})
	if len(n.Record.Logs) != 1 {
		t.Errorf("expected 1 log, got %d", len(n.Record.Logs))
	}
}

func TestJoinURL(t *testing.T) {
	if u := JoinURL("http://h/", "/a/", "", "b"); u != "http://h/a/b" {
		t.Errorf("JoinURL = %s", u)
	}
	if u := JoinURL("http://h"); u != "http://h" {
		t.Errorf("JoinURL = %s", u)
	}
}
