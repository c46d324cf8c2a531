// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mbeema/tracetck/pkg/traces"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

const (
	// ServiceName is the resource service.name of exported forests.
	ServiceName = "tracetck"

	// ScenarioAttr is the resource attribute naming the scenario a forest
	// was collected for.
	ScenarioAttr = "tck.scenario"

	scopeName    = "tracetck"
	scopeVersion = "0.1.0"

	defaultEventName = "log"
)

// TraceRequest converts a forest into one OTLP export request. Every root
// starts its own trace; span IDs are derived from the record IDs.
func TraceRequest(scenario string, forest traces.Forest) *coltracepb.ExportTraceServiceRequest {
	c := &converter{now: time.Now(), used: make(map[uint64]bool)}
	for _, root := range forest {
		traceID := uuid.New()
		c.convertTree(root, nil, traceID[:])
	}

	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: resource(scenario),
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion},
				Spans: c.spans,
			}},
		}},
	}
}

func resource(scenario string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	attrs := []*commonpb.KeyValue{
		strAttr("service.name", ServiceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, os.Getpid())),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
	}
	if scenario != "" {
		attrs = append(attrs, strAttr(ScenarioAttr, scenario))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

type converter struct {
	now   time.Time
	used  map[uint64]bool
	spans []*tracepb.Span
}

func (c *converter) convertTree(n *traces.Node, parentID, traceID []byte) {
	ps := c.convertRecord(n.Record, traceID)
	ps.ParentSpanId = parentID
	c.spans = append(c.spans, ps)
	for _, child := range n.Children {
		c.convertTree(child, ps.SpanId, traceID)
	}
}

func (c *converter) convertRecord(r *traces.Record, traceID []byte) *tracepb.Span {
	start, end := r.Start, r.End
	if start.IsZero() {
		start = c.now
	}
	if end.IsZero() || end.Before(start) {
		end = start
	}

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            c.spanID(r.SpanID),
		Name:              sanitizeUTF8(r.Operation),
		Kind:              convertSpanKind(r.Kind()),
		StartTimeUnixNano: uint64(start.UnixNano()),
		EndTimeUnixNano:   uint64(end.UnixNano()),
		Attributes:        attributes(r.Tags, ""),
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET},
	}
	if isErr, _ := r.Tags[traces.TagError].(bool); isErr {
		ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
	}

	for _, entry := range r.Logs {
		name, _ := entry[traces.LogEvent].(string)
		if name == "" {
			name = defaultEventName
		}
		ps.Events = append(ps.Events, &tracepb.Span_Event{
			Name:         sanitizeUTF8(name),
			TimeUnixNano: ps.StartTimeUnixNano,
			Attributes:   attributes(entry, traces.LogEvent),
		})
	}
	return ps
}

// spanID maps a record ID onto 8 bytes: 16 hex digits are taken as is,
// decimal IDs are encoded big-endian and anything else is hashed. IDs
// already handed out in the request are rehashed so that duplicate records
// stay distinct spans.
func (c *converter) spanID(id string) []byte {
	var v uint64
	if b, err := hexToBytes(id, 8); err == nil {
		v = binary.BigEndian.Uint64(b)
	} else if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		v = n
	} else {
		v = hashID(id)
	}
	for v == 0 || c.used[v] {
		v = hashID(strconv.FormatUint(v, 16) + "/" + strconv.Itoa(len(c.used)))
	}
	c.used[v] = true

	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func hashID(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func attributes[M ~map[string]any](m M, skip string) []*commonpb.KeyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != skip {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, &commonpb.KeyValue{Key: k, Value: toAnyValue(m[k])})
	}
	return out
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

// sanitizeUTF8 replaces invalid UTF-8 sequences, which protobuf refuses to
// marshal.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}

func hexToBytes(s string, expectedLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", expectedLen, len(b))
	}
	return b, nil
}

func convertSpanKind(k traces.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case traces.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case traces.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case traces.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case traces.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}

// toAnyValue encodes a normalised tag value. Whole numbers travel as ints.
func toAnyValue(v any) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(val)}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case []any:
		arr := &commonpb.ArrayValue{Values: make([]*commonpb.AnyValue, len(val))}
		for i, e := range val {
			arr.Values[i] = toAnyValue(e)
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: arr}}
	case map[string]any:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{
			KvlistValue: &commonpb.KeyValueList{Values: attributes(val, "")},
		}}
	case nil:
		return &commonpb.AnyValue{}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}
