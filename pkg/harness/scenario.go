// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package harness drives named conformance scenarios against a system under
// test and reports whether the span trees it records match the reference
// trees.
package harness

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mbeema/tracetck/pkg/expected"
	"github.com/mbeema/tracetck/pkg/traces"
)

// Filter selects how observed forests are projected before comparison.
type Filter int

const (
	// FilterTags keeps the standard tags and drops logs.
	FilterTags Filter = iota
	// FilterErrors additionally keeps the error tag and error log fields.
	FilterErrors
)

// Call is one request a scenario issues.
type Call struct {
	// Service is the service path below the context root. Empty selects the
	// configured service.
	Service string
	Path    string
	Query   expected.Query
	// Status is the required response status. Zero accepts any.
	Status int
	// HostRoot requests Path on the server root, outside the deployment.
	HostRoot bool
}

// Correlated describes a scenario issuing many concurrent nested calls whose
// roots are told apart by a token in their URL.
type Correlated struct {
	Depth   int
	Breadth int
	Async   bool

	// Service hosts Path. The zero value is the configured service.
	Service expected.Service
	// Path is the nested endpoint. Empty selects expected.PathNested.
	Path  string
	Order expected.QueryOrder
}

func (c Correlated) params(token string) expected.NestParams {
	return expected.NestParams{
		Path:    c.Path,
		Token:   token,
		Depth:   c.Depth,
		Breadth: c.Breadth,
		Async:   c.Async,
		Order:   c.Order,
	}
}

func (c Correlated) path() string {
	if c.Path == "" {
		return expected.PathNested
	}
	return c.Path
}

// Scenario groups. Each group needs its own deployment of the system under
// test.
const (
	GroupCore            = "core"
	GroupSkipPattern     = "skip-pattern"
	GroupClientRegistrar = "client-registrar"
	GroupRestClient      = "rest-client"
)

// Scenario is one named conformance check. Single-request scenarios set
// Calls and Expect; correlated scenarios set Correlated.
type Scenario struct {
	Name        string
	Group       string
	Description string
	Filter      Filter

	// Calls builds the requests to issue in order. token is fresh for every
	// run of the scenario.
	Calls func(token string) []Call
	// Expect builds the reference forest.
	Expect func(b *expected.Builder, token string) traces.Forest

	Correlated *Correlated
}

// Scenario names.
const (
	StandardTags             = "standard-tags"
	LocalSpan                = "local-span"
	AsyncLocalSpan           = "async-local-span"
	Annotations              = "annotations"
	AnnotationException      = "annotation-exception"
	NotTraced                = "not-traced"
	OperationName            = "operation-name"
	Error                    = "error"
	Exception                = "exception"
	Nested                   = "nested"
	NestedFail               = "nested-fail"
	NestedAsync              = "nested-async"
	MultithreadedNested      = "multithreaded-nested"
	MultithreadedNestedAsync = "multithreaded-nested-async"

	SkipSimple           = "skip-simple"
	SkipServiceSimple    = "skip-service-simple"
	SkipServiceNested    = "skip-service-nested"
	SkipExplicitlyTraced = "skip-service-explicitly-traced"

	ClientRegistrarBuilder       = "client-registrar-builder"
	ClientRegistrarBuilderAsync  = "client-registrar-builder-async"
	ClientRegistrarExecutor      = "client-registrar-executor"
	ClientRegistrarExecutorAsync = "client-registrar-executor-async"

	RestClientNested                   = "rest-client-nested"
	RestClientMultithreadedNested      = "rest-client-multithreaded-nested"
	RestClientMultithreadedNestedAsync = "rest-client-multithreaded-nested-async"
	RestClientTracingDisabled          = "rest-client-tracing-disabled"
	RestClientMethodTracingDisabled    = "rest-client-method-tracing-disabled"
)

// ServerEndpointScenario names the scenario checking that a server-level
// endpoint such as metrics/base is not traced.
func ServerEndpointScenario(endpoint string) string {
	return strings.ReplaceAll(endpoint, "/", "-") + "-not-traced"
}

// Annotated types living next to the resource on the reference application.
const (
	annotatedClass         = "TestAnnotatedClass"
	annotatedMethods       = "TestAnnotatedMethods"
	disabledAnnotatedClass = "TestDisabledAnnotatedClass"
)

// Catalog returns every scenario in execution order.
func Catalog() []Scenario {
	var cat []Scenario
	for _, group := range [][]Scenario{coreScenarios(), skipPatternScenarios(), clientRegistrarScenarios(), restClientScenarios()} {
		cat = append(cat, group...)
	}
	return cat
}

func coreScenarios() []Scenario {
	return inGroup(GroupCore, []Scenario{
		{
			Name:        StandardTags,
			Description: "one server span carrying the standard tags",
			Calls:       single(expected.PathSimpleTest, http.StatusOK),
			Expect: func(b *expected.Builder, _ string) traces.Forest {
				return traces.Forest{b.Span(traces.SpanKindServer, expected.PathSimpleTest, nil, http.StatusOK)}
			},
		},
		{
			Name:        LocalSpan,
			Description: "a span started inside the handler is a child of the server span",
			Calls:       single(expected.PathLocalSpan, http.StatusOK),
			Expect:      withLocalSpan(expected.PathLocalSpan),
		},
		{
			Name:        AsyncLocalSpan,
			Description: "the active span is visible to an asynchronous handler",
			Calls:       single(expected.PathAsyncLocalSpan, http.StatusOK),
			Expect:      withLocalSpan(expected.PathAsyncLocalSpan),
		},
		{
			Name:        Annotations,
			Description: "traced classes and methods produce child spans with derived or explicit names",
			Calls:       single(expected.PathAnnotations, http.StatusOK),
			Expect: func(b *expected.Builder, _ string) traces.Forest {
				root := b.Span(traces.SpanKindServer, expected.PathAnnotations, nil, http.StatusOK)
				for _, op := range []string{
					b.AnnotatedOperation(annotatedClass, "annotatedClassMethodImplicitlyTraced"),
					"explicitOperationName1",
					b.AnnotatedOperation(annotatedMethods, "annotatedMethodExplicitlyTraced"),
					"explicitOperationName2",
					b.AnnotatedOperation(disabledAnnotatedClass, "annotatedClassMethodExplicitlyTraced"),
					"explicitOperationName3",
				} {
					root.Children = append(root.Children, expected.Leaf(op, nil))
				}
				return traces.Forest{root}
			},
		},
		{
			Name:        AnnotationException,
			Description: "an exception in a traced method marks its span as failed and logs the error",
			Filter:      FilterErrors,
			Calls:       single(expected.PathAnnotationException, http.StatusOK),
			Expect: func(b *expected.Builder, _ string) traces.Forest {
				root := b.Span(traces.SpanKindServer, expected.PathAnnotationException, nil, http.StatusOK)
				child := expected.WithLog(
					expected.Leaf(
						b.AnnotatedOperation(annotatedClass, "annotatedClassMethodImplicitlyTracedWithException"),
						map[string]any{traces.TagError: true},
					),
					map[string]any{traces.LogEvent: traces.TagError, traces.LogErrorObject: "java.lang.RuntimeException"},
				)
				root.Children = append(root.Children, child)
				return traces.Forest{root}
			},
		},
		{
			Name:        NotTraced,
			Description: "an endpoint excluded from tracing records nothing",
			Calls:       single(expected.PathNotTraced, http.StatusOK),
			Expect:      noSpans,
		},
		{
			Name:        OperationName,
			Description: "an explicit operation name replaces the derived one",
			Calls:       single(expected.PathOperationName, http.StatusOK),
			Expect: func(b *expected.Builder, _ string) traces.Forest {
				return traces.Forest{b.NamedSpan(expected.PathOperationName, traces.SpanKindServer,
					expected.PathOperationName, nil, http.StatusOK)}
			},
		},
		{
			Name:        Error,
			Description: "a handler answering 500 is traced with the error status",
			Calls:       single(expected.PathError, http.StatusInternalServerError),
			Expect:      failedServerSpan(expected.PathError),
		},
		{
			Name:        Exception,
			Description: "a handler throwing is traced with the error status",
			Calls:       single(expected.PathException, http.StatusInternalServerError),
			Expect:      failedServerSpan(expected.PathException),
		},
		{
			Name:        Nested,
			Description: "outgoing calls nest client and server spans below the root",
			Calls:       nestedCall(1, 2, false, false),
			Expect:      nestedTree(1, 2, false, false),
		},
		{
			Name:        NestedFail,
			Description: "a failing downstream call marks the downstream server span as failed",
			Filter:      FilterErrors,
			Calls:       nestedCall(1, 2, true, false),
			Expect:      nestedTree(1, 2, true, false),
		},
		{
			Name:        NestedAsync,
			Description: "downstream calls issued asynchronously keep their parents",
			Calls:       nestedCall(1, 2, false, true),
			Expect:      nestedTree(1, 2, false, true),
		},
		{
			Name:        MultithreadedNested,
			Description: "concurrent nested calls produce one independent tree each",
			Correlated:  &Correlated{Depth: 1, Breadth: 2},
		},
		{
			Name:        MultithreadedNestedAsync,
			Description: "concurrent asynchronous nested calls produce one independent tree each",
			Correlated:  &Correlated{Depth: 1, Breadth: 2, Async: true},
		},
	})
}

// skipPatternScenarios expect the deployment to exclude /skipAll/.* and
// /testServices/skipSimple from tracing.
func skipPatternScenarios() []Scenario {
	scs := []Scenario{
		{
			Name:        SkipSimple,
			Description: "an endpoint matching the skip pattern records nothing",
			Calls:       single(expected.PathSkipSimple, http.StatusNoContent),
			Expect:      noSpans,
		},
		{
			Name:        SkipServiceSimple,
			Description: "an endpoint of a skipped service records nothing",
			Calls:       serviceCall(expected.ServiceSkipAll, expected.PathSkipAllSimple, nil),
			Expect:      noSpans,
		},
		{
			Name:        SkipServiceNested,
			Description: "a nested path of a skipped service records nothing",
			Calls:       serviceCall(expected.ServiceSkipAll, expected.PathSkipAllNested, nil),
			Expect:      noSpans,
		},
		{
			Name:        SkipExplicitlyTraced,
			Description: "the skip pattern wins over an explicit traced annotation",
			Calls:       serviceCall(expected.ServiceSkipAll, expected.PathExplicitlyTraced, nil),
			Expect:      noSpans,
		},
	}
	for _, ep := range expected.ServerEndpoints {
		ep := ep
		scs = append(scs, Scenario{
			Name:        ServerEndpointScenario(ep),
			Description: "the server's /" + ep + " endpoint is not traced",
			Calls: func(string) []Call {
				return []Call{{Path: ep, HostRoot: true}}
			},
			Expect: noSpans,
		})
	}
	return inGroup(GroupSkipPattern, scs)
}

func clientRegistrarScenarios() []Scenario {
	return inGroup(GroupClientRegistrar, []Scenario{
		{
			Name:        ClientRegistrarBuilder,
			Description: "a client configured through the registrar propagates the server span",
			Calls:       registrarCall(expected.PathClientBuilder, false),
			Expect:      registrarTree(expected.PathClientBuilder, false),
		},
		{
			Name:        ClientRegistrarBuilderAsync,
			Description: "a registrar-configured client invoked asynchronously propagates the server span",
			Calls:       registrarCall(expected.PathClientBuilder, true),
			Expect:      registrarTree(expected.PathClientBuilder, true),
		},
		{
			Name:        ClientRegistrarExecutor,
			Description: "a client configured through the registrar with an executor propagates the server span",
			Calls:       registrarCall(expected.PathClientBuilderExecutor, false),
			Expect:      registrarTree(expected.PathClientBuilderExecutor, false),
		},
		{
			Name:        ClientRegistrarExecutorAsync,
			Description: "a registrar-configured client with an executor invoked asynchronously propagates the server span",
			Calls:       registrarCall(expected.PathClientBuilderExecutor, true),
			Expect:      registrarTree(expected.PathClientBuilderExecutor, true),
		},
	})
}

func restClientScenarios() []Scenario {
	shape := Correlated{
		Depth:   1,
		Breadth: 2,
		Service: expected.RestClient,
		Path:    expected.PathNestedRestClient,
		Order:   expected.RestClientQuery,
	}
	async := shape
	async.Async = true

	return inGroup(GroupRestClient, []Scenario{
		{
			Name:        RestClientNested,
			Description: "calls through a typed REST client nest client and server spans",
			Calls: func(token string) []Call {
				return []Call{{
					Service: expected.ServiceRestClient,
					Path:    expected.PathNestedRestClient,
					Query:   shape.params(token).Query(),
					Status:  http.StatusOK,
				}}
			},
			Expect: func(b *expected.Builder, token string) traces.Forest {
				return traces.Forest{b.For(expected.RestClient).Nested(shape.params(token))}
			},
		},
		{
			Name:        RestClientMultithreadedNested,
			Description: "concurrent calls through a typed REST client produce one tree each",
			Correlated:  &shape,
		},
		{
			Name:        RestClientMultithreadedNestedAsync,
			Description: "concurrent asynchronous calls through a typed REST client produce one tree each",
			Correlated:  &async,
		},
		{
			Name:        RestClientTracingDisabled,
			Description: "a REST client with tracing disabled leaves the downstream server span a root",
			Calls:       serviceCall(expected.ServiceRestClient, expected.PathRestClientTracingDisabled, nil),
			Expect:      untracedClientForest(expected.PathRestClientTracingDisabled),
		},
		{
			Name:        RestClientMethodTracingDisabled,
			Description: "a REST client method with tracing disabled leaves the downstream server span a root",
			Calls:       serviceCall(expected.ServiceRestClient, expected.PathRestClientMethodTracingDisabled, nil),
			Expect:      untracedClientForest(expected.PathRestClientMethodTracingDisabled),
		},
	})
}

func inGroup(group string, scs []Scenario) []Scenario {
	for i := range scs {
		scs[i].Group = group
	}
	return scs
}

// Names lists the catalog in execution order.
func Names() []string {
	cat := Catalog()
	names := make([]string, len(cat))
	for i, sc := range cat {
		names[i] = sc.Name
	}
	return names
}

// Lookup resolves scenario and group names against the catalog, keeping
// the order given and running each scenario once. No names selects the
// whole catalog.
func Lookup(names ...string) ([]Scenario, error) {
	cat := Catalog()
	if len(names) == 0 {
		return cat, nil
	}
	byName := make(map[string]Scenario, len(cat))
	byGroup := make(map[string][]Scenario)
	for _, sc := range cat {
		byName[sc.Name] = sc
		byGroup[sc.Group] = append(byGroup[sc.Group], sc)
	}

	out := make([]Scenario, 0, len(names))
	seen := make(map[string]bool, len(names))
	add := func(sc Scenario) {
		if !seen[sc.Name] {
			seen[sc.Name] = true
			out = append(out, sc)
		}
	}
	for _, n := range names {
		if sc, ok := byName[n]; ok {
			add(sc)
			continue
		}
		group, ok := byGroup[n]
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", n)
		}
		for _, sc := range group {
			add(sc)
		}
	}
	return out, nil
}

func single(path string, status int) func(string) []Call {
	return func(string) []Call {
		return []Call{{Path: path, Status: status}}
	}
}

func serviceCall(service, path string, q expected.Query) func(string) []Call {
	return func(string) []Call {
		return []Call{{Service: service, Path: path, Query: q, Status: http.StatusOK}}
	}
}

func noSpans(*expected.Builder, string) traces.Forest {
	return traces.Forest{}
}

func registrarQuery(async bool) expected.Query {
	if !async {
		return nil
	}
	return expected.Query{{Key: expected.ParamAsync, Value: true}}
}

func registrarCall(path string, async bool) func(string) []Call {
	return serviceCall(expected.ServiceRegistrar, path, registrarQuery(async))
}

// registrarTree is the server span of path owning the client span of its
// outbound call and the server span that call reached.
func registrarTree(path string, async bool) func(*expected.Builder, string) traces.Forest {
	return func(b *expected.Builder, _ string) traces.Forest {
		rb := b.For(expected.Registrar)
		root := rb.Span(traces.SpanKindServer, path, registrarQuery(async), http.StatusOK)
		client := rb.Span(traces.SpanKindClient, expected.PathRegistrarOK, nil, http.StatusOK)
		client.Children = append(client.Children, rb.Span(traces.SpanKindServer, expected.PathRegistrarOK, nil, http.StatusOK))
		root.Children = append(root.Children, client)
		return traces.Forest{root}
	}
}

// untracedClientForest holds two roots: the simple endpoint reached by an
// untraced client, which finishes first, then the calling endpoint.
func untracedClientForest(path string) func(*expected.Builder, string) traces.Forest {
	return func(b *expected.Builder, _ string) traces.Forest {
		return traces.Forest{
			b.Span(traces.SpanKindServer, expected.PathSimpleTest, nil, http.StatusOK),
			b.For(expected.RestClient).Span(traces.SpanKindServer, path, nil, http.StatusOK),
		}
	}
}

func withLocalSpan(path string) func(*expected.Builder, string) traces.Forest {
	return func(b *expected.Builder, _ string) traces.Forest {
		root := b.Span(traces.SpanKindServer, path, nil, http.StatusOK)
		root.Children = append(root.Children, b.LocalSpan())
		return traces.Forest{root}
	}
}

// failedServerSpan is compared tags-only, so the error flag a server sets on
// its span is not part of the reference.
func failedServerSpan(path string) func(*expected.Builder, string) traces.Forest {
	return func(b *expected.Builder, _ string) traces.Forest {
		return traces.Forest{b.Span(traces.SpanKindServer, path, nil, http.StatusInternalServerError)}
	}
}

func nestParams(token string, depth, breadth int, failNest, async bool) expected.NestParams {
	return expected.NestParams{Token: token, Depth: depth, Breadth: breadth, FailNest: failNest, Async: async}
}

func nestedCall(depth, breadth int, failNest, async bool) func(string) []Call {
	return func(token string) []Call {
		p := nestParams(token, depth, breadth, failNest, async)
		return []Call{{Path: expected.PathNested, Query: p.Query(), Status: http.StatusOK}}
	}
}

func nestedTree(depth, breadth int, failNest, async bool) func(*expected.Builder, string) traces.Forest {
	return func(b *expected.Builder, token string) traces.Forest {
		return traces.Forest{b.Nested(nestParams(token, depth, breadth, failNest, async))}
	}
}
