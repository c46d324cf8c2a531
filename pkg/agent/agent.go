// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent wires the harness subsystems into one process: OTLP
// receivers, the health server, the scenario runner and the report
// exporters.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/tracetck/pkg/config"
	"github.com/mbeema/tracetck/pkg/export"
	"github.com/mbeema/tracetck/pkg/harness"
	"github.com/mbeema/tracetck/pkg/health"
	"github.com/mbeema/tracetck/pkg/receiver"
	"github.com/mbeema/tracetck/pkg/report"
	"github.com/mbeema/tracetck/pkg/session"
	"github.com/mbeema/tracetck/pkg/target"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const stopTimeout = 10 * time.Second

// Agent is the main orchestrator. A reloaded config and runner apply from the
// next run on.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	version string

	healthServer *health.Server
	healthStats  *health.Stats
	session      *session.Memory
	grpcRecv     *receiver.GRPCServer
	httpRecv     *receiver.HTTPServer
	exporter     *export.Manager

	mu      sync.Mutex
	runner  *harness.Runner
	running sync.Mutex
	started bool
}

// New builds every subsystem enabled in cfg. Nothing listens until Start.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		logger:      logger,
		version:     version,
		healthStats: health.NewStats(),
		session:     session.NewMemory(),
	}
	a.cfg.Store(cfg)

	if cfg.Receiver.Enabled {
		if cfg.Receiver.GRPCAddr != "" {
			a.grpcRecv = receiver.NewGRPCServer(cfg.Receiver.GRPCAddr, a.session, logger)
			a.grpcRecv.OnReceive = a.healthStats.AddSpansReceived
		}
		if cfg.Receiver.HTTPAddr != "" {
			h := receiver.NewHTTPHandler(a.session, logger)
			h.OnReceive = a.healthStats.AddSpansReceived
			a.httpRecv = receiver.NewHTTPServer(cfg.Receiver.HTTPAddr, h, logger)
		}
	}

	exporter, err := export.NewManager(&cfg.Exporters, logger)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	a.exporter = exporter

	runner, err := a.newRunner(cfg)
	if err != nil {
		return nil, err
	}
	a.runner = runner

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, version, a.healthStats, logger)
	}
	return a, nil
}

func (a *Agent) newRunner(cfg *config.Config) (*harness.Runner, error) {
	opts, err := harness.OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("runner options: %w", err)
	}
	if _, err := harness.Lookup(cfg.Scenarios...); err != nil {
		return nil, err
	}

	client := target.New(target.Config{
		BaseURL:     cfg.Target.BaseURL,
		ContextRoot: cfg.Target.ContextRoot,
		ServicePath: cfg.Target.ServicePath,
		TracerPath:  cfg.Target.TracerPath,
		Timeout:     cfg.Target.RequestTimeout,
	}, a.logger)

	var source session.Source = client
	if cfg.Target.Source == "otlp" {
		source = session.NewSource(a.session)
	}
	return harness.NewRunner(opts, client, source, a.healthStats, a.logger), nil
}

// Start opens the receivers and the health server. The agent reports ready
// once every listener is up.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.grpcRecv != nil {
		if err := a.grpcRecv.Start(); err != nil {
			return fmt.Errorf("start grpc receiver: %w", err)
		}
	}
	if a.httpRecv != nil {
		if err := a.httpRecv.Start(); err != nil {
			return fmt.Errorf("start http receiver: %w", err)
		}
	}
	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		a.healthServer.SetReady(true)
	}
	a.started = true

	cfg := a.cfg.Load()
	a.logger.Info("agent started",
		zap.String("target", cfg.Target.BaseURL),
		zap.String("source", cfg.Target.Source),
		zap.Bool("receiver", cfg.Receiver.Enabled),
		zap.Bool("health", cfg.Health.Enabled),
	)
	return nil
}

// Run executes the configured scenarios once and hands the report to the
// exporters. Runs are serialised. An export failure is logged and does not
// affect the returned report.
func (a *Agent) Run(ctx context.Context) (*report.Report, error) {
	a.running.Lock()
	defer a.running.Unlock()

	a.mu.Lock()
	runner := a.runner
	a.mu.Unlock()

	rep, err := runner.Run(ctx, a.cfg.Load().Scenarios...)
	if err != nil {
		return nil, err
	}
	if err := a.exporter.ExportReport(ctx, rep); err != nil {
		a.logger.Error("report export failed", zap.Error(err))
	}
	return rep, nil
}

// Reload applies a new configuration. Target, comparison, concurrency and
// scenario settings take effect on the next run. Receiver, exporter and
// health settings are bound at startup; changes to them are logged and
// ignored.
func (a *Agent) Reload(cfg *config.Config) error {
	runner, err := a.newRunner(cfg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	oldCfg := a.cfg.Load()
	if oldCfg.Receiver != cfg.Receiver || oldCfg.Health != cfg.Health {
		a.logger.Warn("receiver and health settings changed; restart to apply")
	}
	if oldCfg.Exporters.Stdout != cfg.Exporters.Stdout || oldCfg.Exporters.OTLP.Endpoint != cfg.Exporters.OTLP.Endpoint {
		a.logger.Warn("exporter settings changed; restart to apply")
	}

	a.cfg.Store(cfg)
	a.runner = runner

	a.logger.Info("configuration reloaded",
		zap.String("target", cfg.Target.BaseURL),
		zap.String("mode", cfg.Comparison.Mode),
		zap.Int("scenarios", len(cfg.Scenarios)),
	)
	return nil
}

// Config returns the active configuration.
func (a *Agent) Config() *config.Config {
	return a.cfg.Load()
}

// Stats exposes the self-monitoring counters.
func (a *Agent) Stats() *health.Stats {
	return a.healthStats
}

// ReceiverAddrs returns the bound receiver addresses; empty when disabled.
func (a *Agent) ReceiverAddrs() (grpcAddr, httpAddr string) {
	if a.grpcRecv != nil {
		grpcAddr = a.grpcRecv.Addr()
	}
	if a.httpRecv != nil {
		httpAddr = a.httpRecv.Addr()
	}
	return grpcAddr, httpAddr
}

// HealthAddr returns the bound health server address; empty when disabled.
func (a *Agent) HealthAddr() string {
	if a.healthServer == nil {
		return ""
	}
	return a.healthServer.Addr()
}

// Stop shuts every subsystem down and returns their combined errors.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		if a.started {
			err = multierr.Append(err, a.healthServer.Stop())
		}
	}
	if a.grpcRecv != nil {
		err = multierr.Append(err, a.grpcRecv.Stop())
	}
	if a.httpRecv != nil {
		err = multierr.Append(err, a.httpRecv.Stop())
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err = multierr.Append(err, a.exporter.Stop(ctx))

	reports, forests := a.exporter.Stats()
	snap := a.healthStats.Snapshot()
	a.logger.Info("agent stopped",
		zap.Int64("reports", reports),
		zap.Int64("forests_exported", forests),
		zap.Int64("passed", snap.Passed),
		zap.Int64("failed", snap.Failed),
		zap.Int64("errors", snap.Errored),
		zap.Int64("spans_received", snap.SpansReceived),
	)
	return err
}
