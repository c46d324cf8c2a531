package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/tracetck/pkg/report"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/zap"
)

// StdoutExporter prints reports and forests as text or JSON lines.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter. A nil w writes to os.Stdout.
func NewStdoutExporter(format string, w io.Writer, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
		out:    w,
	}
}

// ExportReport prints one line per scenario followed by a summary. In text
// mode the observed forest of a failed scenario is printed below its line.
func (e *StdoutExporter) ExportReport(ctx context.Context, rep *report.Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, res := range rep.Results {
		if e.format == "json" {
			data := map[string]interface{}{
				"scenario":    res.Scenario,
				"status":      res.Status.String(),
				"duration_ms": res.Duration.Milliseconds(),
				"calls":       res.Calls,
				"spans":       res.Spans,
			}
			if res.Mismatch != nil {
				data["mismatch"] = res.Mismatch.Error()
			}
			if res.Err != nil {
				data["error"] = res.Err.Error()
			}
			if res.Status == report.StatusFailed && len(res.Observed) > 0 {
				data["observed"] = forestJSON(res.Observed)
			}
			e.printJSON("scenario", data)
			continue
		}

		detail := ""
		switch {
		case res.Mismatch != nil:
			detail = res.Mismatch.Error()
		case res.Err != nil:
			detail = res.Err.Error()
		}
		fmt.Fprintf(e.out, "[%-5s] %-28s %6dms calls=%d spans=%d %s\n",
			strings.ToUpper(res.Status.String()), res.Scenario,
			res.Duration.Milliseconds(), res.Calls, res.Spans, detail)
		if res.Status == report.StatusFailed && len(res.Observed) > 0 {
			e.printForest(res.Observed)
		}
	}

	if e.format == "json" {
		e.printJSON("summary", map[string]interface{}{
			"started":     rep.Started.Format(time.RFC3339Nano),
			"duration_ms": rep.Duration.Milliseconds(),
			"scenarios":   len(rep.Results),
			"passed":      rep.Count(report.StatusPassed),
			"failed":      rep.Count(report.StatusFailed),
			"errors":      rep.Count(report.StatusError),
			"skipped":     rep.Count(report.StatusSkipped),
		})
		return nil
	}
	fmt.Fprintf(e.out, "[SUMMARY] scenarios=%d passed=%d failed=%d errors=%d skipped=%d duration=%s\n",
		len(rep.Results),
		rep.Count(report.StatusPassed), rep.Count(report.StatusFailed),
		rep.Count(report.StatusError), rep.Count(report.StatusSkipped),
		rep.Duration.Round(time.Millisecond))
	return nil
}

// ExportForest prints a forest.
func (e *StdoutExporter) ExportForest(ctx context.Context, scenario string, forest traces.Forest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.format == "json" {
		e.printJSON("forest", map[string]interface{}{
			"scenario": scenario,
			"spans":    forest.Count(),
			"roots":    forestJSON(forest),
		})
		return nil
	}
	fmt.Fprintf(e.out, "[TREE] scenario=%s roots=%d spans=%d\n", scenario, len(forest), forest.Count())
	e.printForest(forest)
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printForest(forest traces.Forest) {
	if len(forest) == 0 {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(forest.String(), "\n"), "\n") {
		fmt.Fprintf(e.out, "    %s\n", line)
	}
}

func (e *StdoutExporter) printJSON(typ string, data map[string]interface{}) {
	data["_type"] = typ
	b, err := json.Marshal(data)
	if err != nil {
		e.logger.Warn("stdout json encode failed", zap.String("type", typ), zap.Error(err))
		return
	}
	fmt.Fprintf(e.out, "%s\n", b)
}

func forestJSON(forest traces.Forest) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(forest))
	for _, root := range forest {
		out = append(out, nodeJSON(root))
	}
	return out
}

func nodeJSON(n *traces.Node) map[string]interface{} {
	r := n.Record
	m := map[string]interface{}{
		"span_id":   r.SpanID,
		"operation": r.Operation,
		"tags":      r.Tags,
	}
	if r.ParentID != traces.NoParent {
		m["parent_id"] = r.ParentID
	}
	if len(r.Logs) > 0 {
		m["logs"] = r.Logs
	}
	if len(n.Children) > 0 {
		m["children"] = forestJSON(n.Children)
	}
	return m
}
