// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package normalize

import (
	"github.com/mbeema/tracetck/pkg/traces"
)

// LocalSpanTag is set by the system under test on spans it starts by hand.
const LocalSpanTag = "localSpanKey"

// StandardTags is the minimum tag set every scenario asserts on.
var StandardTags = []string{
	traces.TagSpanKind,
	traces.TagHTTPMethod,
	traces.TagHTTPURL,
	traces.TagHTTPStatus,
	traces.TagComponent,
	LocalSpanTag,
}

// ErrorLogFields are the log fields kept when error logs are compared.
var ErrorLogFields = []string{traces.LogEvent, traces.LogErrorObject}

// Filter projects a forest onto the fields a comparison cares about.
type Filter struct {
	// Tags is the tag key allow-list.
	Tags map[string]struct{}

	// KeepLogs retains log entries. When false every log entry is dropped.
	KeepLogs bool

	// LogFields is the log field allow-list applied when KeepLogs is set.
	LogFields map[string]struct{}

	// ServerLogsVerbatim leaves logs of server-kind spans unfiltered.
	ServerLogsVerbatim bool
}

// TagsOnly keeps the standard tags and no logs.
func TagsOnly() Filter {
	return Filter{Tags: Set(StandardTags...)}
}

// WithErrors keeps the standard tags plus the error flag, and the error log
// fields of non-server spans.
func WithErrors() Filter {
	return Filter{
		Tags:               Set(append(append([]string{}, StandardTags...), traces.TagError)...),
		KeepLogs:           true,
		LogFields:          Set(ErrorLogFields...),
		ServerLogsVerbatim: true,
	}
}

// New builds a filter from configured allow-lists.
func New(tags []string, keepLogs bool, logFields []string) Filter {
	return Filter{
		Tags:      Set(tags...),
		KeepLogs:  keepLogs,
		LogFields: Set(logFields...),
	}
}

// Set builds a lookup set.
func Set(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Apply returns a filtered deep copy of forest. The input is not modified.
func (f Filter) Apply(forest traces.Forest) traces.Forest {
	out := forest.Clone()
	f.ApplyInPlace(out)
	return out
}

// ApplyNode is Apply for a single tree.
func (f Filter) ApplyNode(n *traces.Node) *traces.Node {
	c := n.Clone()
	f.ApplyInPlace(traces.Forest{c})
	return c
}

// ApplyInPlace filters forest without copying it.
func (f Filter) ApplyInPlace(forest traces.Forest) {
	forest.Walk(func(n *traces.Node, _ int) bool {
		f.record(n.Record)
		return true
	})
}

func (f Filter) record(r *traces.Record) {
	server := r.Kind() == traces.SpanKindServer
	for k := range r.Tags {
		if _, ok := f.Tags[k]; !ok {
			delete(r.Tags, k)
		}
	}

	if !f.KeepLogs {
		r.Logs = nil
		return
	}
	if f.ServerLogsVerbatim && server {
		return
	}
	for _, entry := range r.Logs {
		for k := range entry {
			if _, ok := f.LogFields[k]; !ok {
				delete(entry, k)
			}
		}
	}
}
