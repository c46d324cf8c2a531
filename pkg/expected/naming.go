// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package expected

import (
	"fmt"
	"strings"

	"github.com/mbeema/tracetck/pkg/traces"
)

// Endpoint identifies a resource method on the system under test.
type Endpoint struct {
	// Resource is the fully qualified name of the resource type.
	Resource string
	// ResourcePath is the path the resource is mounted at.
	ResourcePath string
	// Handler is the name of the method serving the endpoint.
	Handler string
	// Path is the method's path below ResourcePath.
	Path string
}

// OperationNamer derives the operation name of a span for an endpoint.
type OperationNamer interface {
	Name(kind traces.SpanKind, method string, ep Endpoint) string
}

// ClassMethodNamer names server spans "<METHOD>:<resource>.<handler>".
type ClassMethodNamer struct{}

func (ClassMethodNamer) Name(kind traces.SpanKind, method string, ep Endpoint) string {
	if kind == traces.SpanKindServer {
		return fmt.Sprintf("%s:%s.%s", strings.ToUpper(method), ep.Resource, ep.Handler)
	}
	return strings.ToUpper(method)
}

// HTTPPathNamer names server spans "<METHOD>:/<resourcePath>/<path>".
type HTTPPathNamer struct{}

func (HTTPPathNamer) Name(kind traces.SpanKind, method string, ep Endpoint) string {
	if kind != traces.SpanKindServer {
		return strings.ToUpper(method)
	}
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	if !strings.HasPrefix(ep.ResourcePath, "/") {
		b.WriteByte('/')
	}
	b.WriteString(ep.ResourcePath)
	if !strings.HasSuffix(ep.ResourcePath, "/") {
		b.WriteByte('/')
	}
	b.WriteString(strings.TrimPrefix(ep.Path, "/"))
	return b.String()
}

// NamerFor returns the namer registered under name ("class-method" or
// "http-path").
func NamerFor(name string) (OperationNamer, error) {
	switch name {
	case "", "class-method":
		return ClassMethodNamer{}, nil
	case "http-path":
		return HTTPPathNamer{}, nil
	default:
		return nil, fmt.Errorf("unknown operation name provider %q", name)
	}
}
