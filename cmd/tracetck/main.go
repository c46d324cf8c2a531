// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mbeema/tracetck/pkg/agent"
	"github.com/mbeema/tracetck/pkg/config"
	"github.com/mbeema/tracetck/pkg/harness"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath string
	configDir  string
	logLevel   string
	scenarios  string
	watch      bool
	list       bool
}

func main() {
	var (
		opts        options
		showVersion bool
	)

	flag.StringVar(&opts.configPath, "config", "", "path to configuration file")
	flag.StringVar(&opts.configDir, "config-dir", "", "path to config directory (multi-file mode)")
	flag.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&opts.scenarios, "scenario", "", "comma separated scenarios or groups to run (default: all)")
	flag.BoolVar(&opts.watch, "watch", false, "keep running and rerun the suite on config change or SIGHUP")
	flag.BoolVar(&opts.list, "list", false, "list scenarios and exit")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("tracetck %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if opts.list {
		for _, sc := range harness.Catalog() {
			fmt.Printf("%-16s %-40s %s\n", sc.Group, sc.Name, sc.Description)
		}
		os.Exit(0)
	}

	os.Exit(run(opts))
}

func run(opts options) int {
	cfg, err := opts.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting tracetck",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, version, logger)
	if err != nil {
		logger.Error("failed to create agent", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start agent", zap.Error(err))
		a.Stop()
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, unix.SIGHUP)

	// A signal during the run cancels it.
	runDone := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-runDone:
		}
	}()
	ok := runOnce(ctx, a, logger)
	close(runDone)

	if opts.watch && ctx.Err() == nil {
		ok = watchLoop(ctx, opts, a, sigCh, hupCh, logger, ok)
	}

	shutdownDone := make(chan struct{})
	go func() {
		if err := a.Stop(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timed out after 30s, forcing exit")
		return 1
	}

	if !ok {
		return 1
	}
	return 0
}

// watchLoop reruns the suite whenever the configuration changes until a
// shutdown signal arrives. It returns the outcome of the last run.
func watchLoop(ctx context.Context, opts options, a *agent.Agent, sigCh, hupCh <-chan os.Signal, logger *zap.Logger, ok bool) bool {
	reloadCh := make(chan *config.Config, 1)

	if opts.configDir != "" {
		watcher := config.NewWatcher(opts.configDir, func(newCfg *config.Config, changedFile string) {
			logger.Info("config changed", zap.String("file", changedFile))
			opts.applyFlags(newCfg)
			select {
			case reloadCh <- newCfg:
			default:
				// A rerun is already queued; keep the newest config.
				select {
				case <-reloadCh:
				default:
				}
				reloadCh <- newCfg
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("failed to start config watcher", zap.Error(err))
			return false
		}
		defer watcher.Stop()
	}

	logger.Info("watching for configuration changes")
	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			return ok

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := opts.load()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			ok = reloadAndRun(ctx, a, newCfg, logger, ok)

		case newCfg := <-reloadCh:
			ok = reloadAndRun(ctx, a, newCfg, logger, ok)
		}
	}
}

func reloadAndRun(ctx context.Context, a *agent.Agent, cfg *config.Config, logger *zap.Logger, last bool) bool {
	if err := a.Reload(cfg); err != nil {
		logger.Error("failed to apply new config", zap.Error(err))
		return last
	}
	return runOnce(ctx, a, logger)
}

func runOnce(ctx context.Context, a *agent.Agent, logger *zap.Logger) bool {
	rep, err := a.Run(ctx)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return false
	}
	if !rep.OK() {
		logger.Warn("conformance failures", zap.Error(rep.Err()))
		return false
	}
	return true
}

// load reads the configuration the flags point at and applies the flag
// overrides.
func (o options) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if o.configDir != "" {
		cfg, err = config.LoadDir(o.configDir)
	} else {
		cfg, err = loadConfig(o.configPath)
	}
	if err != nil {
		return nil, err
	}
	o.applyFlags(cfg)
	return cfg, nil
}

func (o options) applyFlags(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.scenarios != "" {
		cfg.Scenarios = cfg.Scenarios[:0]
		for _, s := range strings.Split(o.scenarios, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Scenarios = append(cfg.Scenarios, s)
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/tracetck.yaml",
		"/etc/tracetck/tracetck.yaml",
		"/etc/tracetck.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
