// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package expected builds the reference span trees a correctly instrumented
// service is expected to produce for each kind of call.
package expected

import (
	"net/http"
	"strings"

	"github.com/mbeema/tracetck/pkg/traces"
)

// Endpoint paths served by the system under test.
const (
	PathSimpleTest          = "simpleTest"
	PathLocalSpan           = "localSpan"
	PathAsyncLocalSpan      = "asyncLocalSpan"
	PathError               = "error"
	PathException           = "exception"
	PathAnnotations         = "annotations"
	PathAnnotationException = "annotationException"
	PathNotTraced           = "notTraced"
	PathOperationName       = "operationName"
	PathNested              = "nested"
)

// Local spans started by hand inside a handler.
const (
	LocalSpanOperation = "localSpan"
	LocalSpanTagKey    = "localSpanKey"
	LocalSpanTagValue  = "localSpanValue"
)

// Defaults matching the reference deployment.
const (
	DefaultContextRoot = "rest"
	DefaultServicePath = "testServices"
	DefaultResource    = "org.eclipse.microprofile.opentracing.tck.application.TestServerWebServices"
	DefaultComponent   = "jaxrs"
)

// Builder produces expected nodes. It is safe for concurrent use once
// configured.
type Builder struct {
	BaseURL     string
	ContextRoot string
	ServicePath string
	Resource    string
	Component   string
	Namer       OperationNamer

	// Handlers maps endpoint paths to handler names where they differ.
	Handlers map[string]string
}

// NewBuilder creates a builder with the reference defaults for baseURL.
func NewBuilder(baseURL string) *Builder {
	return &Builder{
		BaseURL:     baseURL,
		ContextRoot: DefaultContextRoot,
		ServicePath: DefaultServicePath,
		Resource:    DefaultResource,
		Component:   DefaultComponent,
		Namer:       ClassMethodNamer{},
	}
}

// URL returns the full request URL of an endpoint.
func (b *Builder) URL(path string, q Query) string {
	return JoinURL(b.BaseURL, b.ContextRoot, b.ServicePath, path) + q.Encode()
}

// Endpoint describes the resource method serving path. Handler names equal
// their paths unless Handlers says otherwise.
func (b *Builder) Endpoint(path string) Endpoint {
	handler := path
	if h, ok := b.Handlers[path]; ok {
		handler = h
	}
	return Endpoint{
		Resource:     b.Resource,
		ResourcePath: b.ServicePath,
		Handler:      handler,
		Path:         path,
	}
}

// Operation returns the operation name of a GET span against path.
func (b *Builder) Operation(kind traces.SpanKind, path string) string {
	namer := b.Namer
	if namer == nil {
		namer = ClassMethodNamer{}
	}
	return namer.Name(kind, http.MethodGet, b.Endpoint(path))
}

// Tags returns the standard tag set of a GET span.
func (b *Builder) Tags(kind traces.SpanKind, path string, q Query, status int) map[string]any {
	return map[string]any{
		traces.TagSpanKind:   kind.String(),
		traces.TagHTTPMethod: http.MethodGet,
		traces.TagHTTPURL:    b.URL(path, q),
		traces.TagHTTPStatus: float64(status),
		traces.TagComponent:  b.Component,
	}
}

// Span builds a leaf node for a GET against path.
func (b *Builder) Span(kind traces.SpanKind, path string, q Query, status int) *traces.Node {
	return Leaf(b.Operation(kind, path), b.Tags(kind, path, q, status))
}

// NamedSpan is Span with an explicit operation name.
func (b *Builder) NamedSpan(operation string, kind traces.SpanKind, path string, q Query, status int) *traces.Node {
	return Leaf(operation, b.Tags(kind, path, q, status))
}

// ErrorSpan builds the span of a call to path that answered 500. Server
// spans additionally carry error=true.
func (b *Builder) ErrorSpan(kind traces.SpanKind, path string) *traces.Node {
	tags := b.Tags(kind, path, nil, http.StatusInternalServerError)
	if kind == traces.SpanKindServer {
		tags[traces.TagError] = true
	}
	return Leaf(b.Operation(kind, path), tags)
}

// LocalSpan is the span a handler starts by hand.
func (b *Builder) LocalSpan() *traces.Node {
	return Leaf(LocalSpanOperation, map[string]any{LocalSpanTagKey: LocalSpanTagValue})
}

// AnnotatedOperation returns the default operation name of a traced method
// on a class living next to the resource.
func (b *Builder) AnnotatedOperation(class, method string) string {
	return b.Sibling(class) + "." + method
}

// Sibling qualifies class with the package of the resource. Qualified names
// are returned unchanged.
func (b *Builder) Sibling(class string) string {
	if strings.IndexByte(class, '.') >= 0 {
		return class
	}
	i := strings.LastIndexByte(b.Resource, '.')
	if i < 0 {
		return class
	}
	return b.Resource[:i] + "." + class
}

// NestParams are the parameters of a nested call.
type NestParams struct {
	Path     string
	Token    string
	Depth    int
	Breadth  int
	FailNest bool
	Async    bool
	// Order lays out the query. Nil selects NestedQuery.
	Order QueryOrder
}

func (p NestParams) path() string {
	if p.Path == "" {
		return PathNested
	}
	return p.Path
}

// Query returns the request parameters of the call.
func (p NestParams) Query() Query {
	order := p.Order
	if order == nil {
		order = NestedQuery
	}
	return order(p.Token, p.Depth, p.Breadth, p.FailNest, p.Async)
}

// Nested builds the tree of a nested call: a server span with Breadth
// client spans below it, each owning the server span of the downstream call.
// Downstream calls use depth-1 and breadth 1 until depth reaches zero. With
// FailNest the first level targets the error endpoint instead and stops.
func (b *Builder) Nested(p NestParams) *traces.Node {
	root := b.Span(traces.SpanKindServer, p.path(), p.Query(), http.StatusOK)
	if p.Depth <= 0 {
		return root
	}

	for i := 0; i < p.Breadth; i++ {
		var client, server *traces.Node
		if p.FailNest {
			client = b.ErrorSpan(traces.SpanKindClient, PathError)
			server = b.ErrorSpan(traces.SpanKindServer, PathError)
		} else {
			down := NestParams{
				Path:    p.Path,
				Token:   p.Token,
				Depth:   p.Depth - 1,
				Breadth: 1,
				Async:   p.Async,
				Order:   p.Order,
			}
			client = b.Span(traces.SpanKindClient, down.path(), down.Query(), http.StatusOK)
			server = b.Nested(down)
		}
		client.Children = []*traces.Node{server}
		root.Children = append(root.Children, client)
	}
	return root
}

// Leaf creates an expected node without identifiers.
func Leaf(operation string, tags map[string]any, children ...*traces.Node) *traces.Node {
	return traces.NewNode(traces.NewRecord("", traces.NoParent, operation, tags), children...)
}

// WithLog appends a log entry to n's record and returns n.
func WithLog(n *traces.Node, fields map[string]any) *traces.Node {
	n.Record.AddLog(fields)
	return n
}
