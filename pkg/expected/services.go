// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package expected

// Endpoints of the default service excluded by the skip pattern.
const (
	PathSkipSimple = "skipSimple"
)

// Service mounted entirely below the skip pattern.
const (
	ServiceSkipAll       = "skipAll"
	PathSkipAllSimple    = "simple"
	PathSkipAllNested    = "simple/nested"
	PathExplicitlyTraced = "explicitlyTraced"
)

// Service whose outbound clients are instrumented through the client
// registrar.
const (
	ServiceRegistrar          = "testRegistrarServices"
	RegistrarClass            = "TestClientRegistrarWebServices"
	PathRegistrarOK           = "ok"
	PathClientBuilder         = "clientBuilder"
	PathClientBuilderExecutor = "clientBuilderExecutor"
)

// Service calling back into the application through a typed REST client.
const (
	ServiceRestClient                   = "mpRestClient"
	RestClientResource                  = "org.eclipse.microprofile.opentracing.tck.rest.client.RestClientServices"
	PathNestedRestClient                = "nestedMpRestClient"
	PathRestClientTracingDisabled       = "restClientTracingDisabled"
	PathRestClientMethodTracingDisabled = "restClientMethodTracingDisabled"
)

// Server-level endpoints living outside the application context root.
var ServerEndpoints = []string{
	"health",
	"openapi",
	"metrics",
	"metrics/base",
	"metrics/vendor",
	"metrics/application",
}

// Service describes a resource other than the configured one. Empty fields
// keep the builder's values.
type Service struct {
	// Path is the mount path below the context root.
	Path string
	// Resource is the resource type. A name without a package is taken to
	// live next to the configured resource.
	Resource string
	// Handlers maps endpoint paths to handler names where they differ.
	Handlers map[string]string
}

// Registrar is the client registrar service.
var Registrar = Service{
	Path:     ServiceRegistrar,
	Resource: RegistrarClass,
	Handlers: map[string]string{
		PathClientBuilder:         "clientRegistrar",
		PathClientBuilderExecutor: "clientRegistrarExecutor",
	},
}

// RestClient is the typed REST client service.
var RestClient = Service{
	Path:     ServiceRestClient,
	Resource: RestClientResource,
}

// For returns a copy of b building spans for svc.
func (b *Builder) For(svc Service) *Builder {
	c := *b
	if svc.Path != "" {
		c.ServicePath = svc.Path
	}
	if svc.Resource != "" {
		c.Resource = b.Sibling(svc.Resource)
	}
	c.Handlers = svc.Handlers
	return &c
}
