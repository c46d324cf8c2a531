// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package expected

import (
	"strings"

	"github.com/mbeema/tracetck/pkg/traces"
)

// Query parameter names understood by the nested endpoint.
const (
	ParamToken   = "data"
	ParamDepth   = "nestDepth"
	ParamBreadth = "nestBreadth"
	ParamFail    = "failNest"
	ParamAsync   = "async"
)

// Param is one query parameter.
type Param struct {
	Key   string
	Value any
}

// Query is an ordered list of parameters. Order is kept when encoding so the
// expected http.url tag matches the URL actually requested.
type Query []Param

// Encode renders the query with a leading '?', or "" when empty. Values are
// written verbatim.
func (q Query) Encode() string {
	if len(q) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('?')
	for i, p := range q {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(traces.FormatValue(p.Value))
	}
	return b.String()
}

// Get returns the value of key.
func (q Query) Get(key string) (any, bool) {
	for _, p := range q {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// QueryOrder lays out the parameters of a nested call.
type QueryOrder func(token string, depth, breadth int, failNest, async bool) Query

// NestedQuery builds the parameters of a nested call in canonical order.
func NestedQuery(token string, depth, breadth int, failNest, async bool) Query {
	return Query{
		{ParamToken, token},
		{ParamDepth, depth},
		{ParamBreadth, breadth},
		{ParamFail, failNest},
		{ParamAsync, async},
	}
}

// JoinURL joins a base URL and path segments with single slashes.
func JoinURL(base string, segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(s)
	}
	return b.String()
}

// RestClientQuery builds the parameters of a nested call in the order a
// typed REST client declares them.
func RestClientQuery(token string, depth, breadth int, failNest, async bool) Query {
	return Query{
		{ParamDepth, depth},
		{ParamBreadth, breadth},
		{ParamAsync, async},
		{ParamToken, token},
		{ParamFail, failNest},
	}
}
