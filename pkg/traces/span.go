// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"time"
)

// Standard tag keys recorded by instrumented JAX-RS style services.
const (
	TagSpanKind   = "span.kind"
	TagHTTPMethod = "http.method"
	TagHTTPURL    = "http.url"
	TagHTTPStatus = "http.status"
	TagComponent  = "component"
	TagError      = "error"

	// LogEvent and LogErrorObject are the log field keys written when a
	// span records an error.
	LogEvent       = "event"
	LogErrorObject = "error.object"
)

// NoParent is the ParentID of a root record.
const NoParent = ""

// SpanKind identifies the relationship of a span to its caller.
type SpanKind int

const (
	SpanKindUnspecified SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

// String returns the span.kind tag value for k.
func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	case SpanKindProducer:
		return "producer"
	case SpanKindConsumer:
		return "consumer"
	default:
		return ""
	}
}

// ParseSpanKind maps a span.kind tag value back to a SpanKind.
func ParseSpanKind(s string) SpanKind {
	switch s {
	case "server", "SERVER":
		return SpanKindServer
	case "client", "CLIENT":
		return SpanKindClient
	case "producer", "PRODUCER":
		return SpanKindProducer
	case "consumer", "CONSUMER":
		return SpanKindConsumer
	default:
		return SpanKindUnspecified
	}
}

// LogEntry is one timestamped annotation on a span, as a field map.
type LogEntry map[string]any

// Record is an immutable snapshot of one completed span.
type Record struct {
	SpanID    string
	ParentID  string
	Operation string
	Tags      map[string]any
	Logs      []LogEntry
	Start     time.Time
	End       time.Time
}

// NewRecord creates a record with normalised tag values.
func NewRecord(spanID, parentID, operation string, tags map[string]any) *Record {
	r := &Record{
		SpanID:    spanID,
		ParentID:  parentID,
		Operation: operation,
		Tags:      make(map[string]any, len(tags)),
	}
	for k, v := range tags {
		r.Tags[k] = NormalizeValue(v)
	}
	return r
}

// IsRoot reports whether the record declares no parent.
func (r *Record) IsRoot() bool {
	return r.ParentID == NoParent
}

// Kind returns the span kind carried in the span.kind tag.
func (r *Record) Kind() SpanKind {
	s, _ := r.Tags[TagSpanKind].(string)
	return ParseSpanKind(s)
}

// Tag returns the string form of a tag, or "" when absent.
func (r *Record) Tag(key string) string {
	v, ok := r.Tags[key]
	if !ok {
		return ""
	}
	return FormatValue(v)
}

// SetTag sets a tag, normalising numeric values.
func (r *Record) SetTag(key string, value any) {
	if r.Tags == nil {
		r.Tags = make(map[string]any)
	}
	r.Tags[key] = NormalizeValue(value)
}

// AddLog appends a log entry, normalising numeric field values.
func (r *Record) AddLog(fields map[string]any) {
	entry := make(LogEntry, len(fields))
	for k, v := range fields {
		entry[k] = NormalizeValue(v)
	}
	r.Logs = append(r.Logs, entry)
}

// Duration is End minus Start.
func (r *Record) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Clone returns a deep copy of r. Log field values are copied shallowly.
func (r *Record) Clone() *Record {
	c := *r
	if r.Tags != nil {
		c.Tags = make(map[string]any, len(r.Tags))
		for k, v := range r.Tags {
			c.Tags[k] = v
		}
	}
	if r.Logs != nil {
		c.Logs = make([]LogEntry, len(r.Logs))
		for i, e := range r.Logs {
			ce := make(LogEntry, len(e))
			for k, v := range e {
				ce[k] = v
			}
			c.Logs[i] = ce
		}
	}
	return &c
}
