// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mbeema/tracetck/pkg/session"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/zap"
)

var _ session.Source = (*Client)(nil)

// wireTracer is the body served by the tracer endpoint.
type wireTracer struct {
	Spans []wireSpan `json:"spans"`
}

type wireSpan struct {
	SpanID              json.Number      `json:"spanId"`
	ParentID            json.Number      `json:"parentId"`
	TraceID             json.Number      `json:"traceId"`
	CachedOperationName string           `json:"cachedOperationName"`
	OperationName       string           `json:"operationName"`
	StartMicros         json.Number      `json:"startMicros"`
	FinishMicros        json.Number      `json:"finishMicros"`
	Tags                map[string]any   `json:"tags"`
	LogEntries          []map[string]any `json:"logEntries"`
}

// Fetch reads every span the tracer of the system under test has finished.
func (c *Client) Fetch(ctx context.Context) ([]*traces.Record, error) {
	url := c.URL(c.cfg.TracerPath, GetTracerPath, nil)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if err := checkStatus(resp, http.MethodGet, url, http.StatusOK); err != nil {
		return nil, err
	}

	records, err := DecodeTracer(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode tracer response: %w", err)
	}
	c.logger.Debug("tracer returned", zap.Int("spans", len(records)))
	return records, nil
}

// Reset clears the tracer of the system under test.
func (c *Client) Reset(ctx context.Context) error {
	url := c.URL(c.cfg.TracerPath, ClearTracerPath, nil)
	resp, err := c.http.R().SetContext(ctx).Delete(url)
	if err != nil {
		return fmt.Errorf("DELETE %s: %w", url, err)
	}
	if resp.IsError() {
		return checkStatus(resp, http.MethodDelete, url, http.StatusNoContent)
	}
	return nil
}

// DecodeTracer converts a tracer endpoint body into records. Numeric ids are
// kept in their decimal form; a parent id of zero means no parent.
func DecodeTracer(body []byte) ([]*traces.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var wt wireTracer
	if err := dec.Decode(&wt); err != nil {
		return nil, err
	}

	out := make([]*traces.Record, 0, len(wt.Spans))
	for _, ws := range wt.Spans {
		out = append(out, ws.record())
	}
	return out, nil
}

func (ws wireSpan) record() *traces.Record {
	op := ws.CachedOperationName
	if op == "" {
		op = ws.OperationName
	}
	parent := ws.ParentID.String()
	if parent == "0" {
		parent = traces.NoParent
	}

	r := traces.NewRecord(ws.SpanID.String(), parent, op, ws.Tags)
	for _, entry := range ws.LogEntries {
		r.AddLog(entry)
	}
	r.Start = micros(ws.StartMicros)
	r.End = micros(ws.FinishMicros)
	return r
}

func micros(n json.Number) time.Time {
	v, err := n.Int64()
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v)
}
