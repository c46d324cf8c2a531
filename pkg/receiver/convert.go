// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package receiver accepts OTLP trace exports from an instrumented system
// and records the spans into a session.
package receiver

import (
	"encoding/hex"
	"time"

	"github.com/mbeema/tracetck/pkg/traces"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// RecordsFromRequest flattens every span of an export request into records,
// in request order.
func RecordsFromRequest(req *coltracepb.ExportTraceServiceRequest) []*traces.Record {
	var out []*traces.Record
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, s := range ss.GetSpans() {
				out = append(out, RecordFromSpan(s))
			}
		}
	}
	return out
}

// RecordFromSpan converts one OTLP span. The span kind becomes the span.kind
// tag unless an attribute already carries it, an error status sets error=true,
// and each event becomes a log entry whose "event" field is the event name.
func RecordFromSpan(s *tracepb.Span) *traces.Record {
	tags := make(map[string]any, len(s.GetAttributes())+2)
	for _, kv := range s.GetAttributes() {
		tags[kv.GetKey()] = fromAnyValue(kv.GetValue())
	}
	if _, ok := tags[traces.TagSpanKind]; !ok {
		if k := spanKind(s.GetKind()); k != traces.SpanKindUnspecified {
			tags[traces.TagSpanKind] = k.String()
		}
	}
	if s.GetStatus().GetCode() == tracepb.Status_STATUS_CODE_ERROR {
		if _, ok := tags[traces.TagError]; !ok {
			tags[traces.TagError] = true
		}
	}

	r := traces.NewRecord(idString(s.GetSpanId()), idString(s.GetParentSpanId()), s.GetName(), tags)
	for _, ev := range s.GetEvents() {
		fields := make(map[string]any, len(ev.GetAttributes())+1)
		fields[traces.LogEvent] = ev.GetName()
		for _, kv := range ev.GetAttributes() {
			fields[kv.GetKey()] = fromAnyValue(kv.GetValue())
		}
		r.AddLog(fields)
	}
	if ns := s.GetStartTimeUnixNano(); ns > 0 {
		r.Start = time.Unix(0, int64(ns))
	}
	if ns := s.GetEndTimeUnixNano(); ns > 0 {
		r.End = time.Unix(0, int64(ns))
	}
	return r
}

// idString hex-encodes a span id. Empty and all-zero ids mean no parent.
func idString(id []byte) string {
	for _, b := range id {
		if b != 0 {
			return hex.EncodeToString(id)
		}
	}
	return traces.NoParent
}

func spanKind(k tracepb.Span_SpanKind) traces.SpanKind {
	switch k {
	case tracepb.Span_SPAN_KIND_SERVER:
		return traces.SpanKindServer
	case tracepb.Span_SPAN_KIND_CLIENT:
		return traces.SpanKindClient
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return traces.SpanKindProducer
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return traces.SpanKindConsumer
	default:
		return traces.SpanKindUnspecified
	}
}

func fromAnyValue(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, e := range val.ArrayValue.GetValues() {
			out = append(out, traces.NormalizeValue(fromAnyValue(e)))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		out := make(map[string]any, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			out[kv.GetKey()] = traces.NormalizeValue(fromAnyValue(kv.GetValue()))
		}
		return out
	default:
		return nil
	}
}
