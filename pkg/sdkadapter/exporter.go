// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package sdkadapter lets an in-process OpenTelemetry SDK record finished
// spans straight into a session.
package sdkadapter

import (
	"context"
	"sync"

	"github.com/mbeema/tracetck/pkg/session"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Exporter is an sdktrace.SpanExporter writing into a session.
type Exporter struct {
	session session.Session
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

var _ sdktrace.SpanExporter = (*Exporter)(nil)

// New creates an exporter recording into s.
func New(s session.Session, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{session: s, logger: logger}
}

// ExportSpans records every span. Spans exported after Shutdown are dropped.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return nil
	}
	for _, s := range spans {
		e.session.Record(Convert(s))
	}
	e.logger.Debug("sdk spans recorded", zap.Int("spans", len(spans)))
	return nil
}

// Shutdown stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	return ctx.Err()
}

// Convert turns a finished SDK span into a record. The span kind becomes the
// span.kind tag unless an attribute already carries it, and an error status
// sets error=true.
func Convert(s sdktrace.ReadOnlySpan) *traces.Record {
	tags := make(map[string]any, len(s.Attributes())+2)
	for _, kv := range s.Attributes() {
		tags[string(kv.Key)] = attributeValue(kv.Value)
	}
	if _, ok := tags[traces.TagSpanKind]; !ok {
		if k := spanKind(s.SpanKind()); k != traces.SpanKindUnspecified {
			tags[traces.TagSpanKind] = k.String()
		}
	}
	if s.Status().Code == codes.Error {
		if _, ok := tags[traces.TagError]; !ok {
			tags[traces.TagError] = true
		}
	}

	parent := traces.NoParent
	if p := s.Parent(); p.HasSpanID() {
		parent = p.SpanID().String()
	}

	r := traces.NewRecord(s.SpanContext().SpanID().String(), parent, s.Name(), tags)
	for _, ev := range s.Events() {
		fields := make(map[string]any, len(ev.Attributes)+1)
		fields[traces.LogEvent] = ev.Name
		for _, kv := range ev.Attributes {
			fields[string(kv.Key)] = attributeValue(kv.Value)
		}
		r.AddLog(fields)
	}
	r.Start = s.StartTime()
	r.End = s.EndTime()
	return r
}

func spanKind(k trace.SpanKind) traces.SpanKind {
	switch k {
	case trace.SpanKindServer:
		return traces.SpanKindServer
	case trace.SpanKindClient:
		return traces.SpanKindClient
	case trace.SpanKindProducer:
		return traces.SpanKindProducer
	case trace.SpanKindConsumer:
		return traces.SpanKindConsumer
	default:
		return traces.SpanKindUnspecified
	}
}

func attributeValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	case attribute.BOOLSLICE:
		return toAny(v.AsBoolSlice())
	case attribute.INT64SLICE:
		return toAny(v.AsInt64Slice())
	case attribute.FLOAT64SLICE:
		return toAny(v.AsFloat64Slice())
	case attribute.STRINGSLICE:
		return toAny(v.AsStringSlice())
	default:
		return v.Emit()
	}
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, e := range in {
		out[i] = traces.NormalizeValue(e)
	}
	return out
}
