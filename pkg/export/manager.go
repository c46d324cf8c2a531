// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mbeema/tracetck/pkg/config"
	"github.com/mbeema/tracetck/pkg/report"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ForestExporter sends collected forests to a trace backend.
type ForestExporter interface {
	ExportForest(ctx context.Context, scenario string, forest traces.Forest) error
	Shutdown(ctx context.Context) error
}

var (
	_ ForestExporter = (*OTLPExporter)(nil)
	_ ForestExporter = (*HTTPOTLPExporter)(nil)
	_ ForestExporter = (*StdoutExporter)(nil)
)

// NewOTLPForestExporter picks the gRPC or HTTP exporter for cfg.Protocol.
func NewOTLPForestExporter(cfg *config.OTLPConfig, logger *zap.Logger) (ForestExporter, error) {
	switch cfg.Protocol {
	case "", "grpc":
		return NewOTLPExporter(cfg, logger)
	case "http":
		return NewHTTPOTLPExporter(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown otlp protocol %q", cfg.Protocol)
	}
}

// Manager routes a finished report to the configured exporters: the report
// is printed on stdout and the observed forests of failing scenarios are
// sent over OTLP.
type Manager struct {
	logger *zap.Logger
	stdout *StdoutExporter
	otlp   ForestExporter

	reports atomic.Int64
	forests atomic.Int64
}

// NewManager creates the exporters enabled in cfg.
func NewManager(cfg *config.ExportersConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}

	if cfg.Stdout.Enabled {
		m.stdout = NewStdoutExporter(cfg.Stdout.Format, nil, logger)
	}
	if cfg.OTLP.Enabled {
		exp, err := NewOTLPForestExporter(&cfg.OTLP, logger)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		m.otlp = withBreaker(exp, NewCircuitBreaker(DefaultFailureThreshold, DefaultResetTimeout))
		logger.Info("otlp export enabled",
			zap.String("endpoint", cfg.OTLP.Endpoint),
			zap.String("protocol", cfg.OTLP.Protocol),
		)
	}
	return m, nil
}

// NewManagerWith builds a manager from already constructed exporters.
// Either may be nil.
func NewManagerWith(stdout *StdoutExporter, otlp ForestExporter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, stdout: stdout, otlp: otlp}
}

// ExportReport prints rep and exports the forests of failing scenarios.
// Every exporter is attempted; their errors are combined.
func (m *Manager) ExportReport(ctx context.Context, rep *report.Report) error {
	var err error
	if m.stdout != nil {
		err = multierr.Append(err, m.stdout.ExportReport(ctx, rep))
	}
	m.reports.Add(1)

	if m.otlp == nil {
		return err
	}
	refused := 0
	for _, res := range rep.Failures() {
		if len(res.Observed) == 0 {
			continue
		}
		exportErr := m.otlp.ExportForest(ctx, res.Scenario, res.Observed)
		if errors.Is(exportErr, ErrCircuitOpen) {
			refused++
			continue
		}
		if exportErr != nil {
			m.logger.Warn("forest export failed",
				zap.String("scenario", res.Scenario),
				zap.Error(exportErr),
			)
			err = multierr.Append(err, exportErr)
			continue
		}
		m.forests.Add(1)
	}
	if refused > 0 {
		m.logger.Warn("otlp backend unavailable, forests not exported", zap.Int("forests", refused))
		err = multierr.Append(err, fmt.Errorf("%w: %d forests dropped", ErrCircuitOpen, refused))
	}
	return err
}

// Stop shuts down every exporter.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	if m.stdout != nil {
		err = multierr.Append(err, m.stdout.Shutdown(ctx))
	}
	if m.otlp != nil {
		err = multierr.Append(err, m.otlp.Shutdown(ctx))
	}
	return err
}

// Stats returns the number of reports handled and forests exported.
func (m *Manager) Stats() (reports, forests int64) {
	return m.reports.Load(), m.forests.Load()
}
