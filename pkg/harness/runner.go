// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package harness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mbeema/tracetck/pkg/compare"
	"github.com/mbeema/tracetck/pkg/config"
	"github.com/mbeema/tracetck/pkg/correlate"
	"github.com/mbeema/tracetck/pkg/expected"
	"github.com/mbeema/tracetck/pkg/health"
	"github.com/mbeema/tracetck/pkg/normalize"
	"github.com/mbeema/tracetck/pkg/report"
	"github.com/mbeema/tracetck/pkg/session"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/zap"
)

// Caller issues requests against the system under test. An expectStatus of
// zero accepts any response.
type Caller interface {
	CallService(ctx context.Context, service, path string, q expected.Query, expectStatus int) error
	CallRoot(ctx context.Context, path string, expectStatus int) error
}

// Options tune a Runner.
type Options struct {
	Builder *expected.Builder
	Mode    compare.Mode
	// Strict rejects forests with unresolved parents, duplicate IDs or cycles.
	Strict bool

	TagFilter   normalize.Filter
	ErrorFilter normalize.Filter

	// Calls is the number of concurrent calls of a correlated scenario.
	Calls   int
	Workers int
	// Grace is waited after the last correlated call before collecting.
	Grace time.Duration
	// Settle is waited after the calls of a single-request scenario before
	// collecting. Sources fed asynchronously need it.
	Settle time.Duration
	// Timeout bounds each scenario. Zero means no bound.
	Timeout time.Duration
	Tokens  correlate.TokenGenerator
}

// OptionsFromConfig derives runner options from the configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	namer, err := expected.NamerFor(cfg.Target.OperationNames)
	if err != nil {
		return Options{}, err
	}
	mode, err := compare.ParseMode(cfg.Comparison.Mode)
	if err != nil {
		return Options{}, err
	}
	tokens, err := correlate.TokensFor(cfg.Concurrency.Tokens)
	if err != nil {
		return Options{}, err
	}

	b := expected.NewBuilder(cfg.Target.BaseURL)
	b.Namer = namer
	if cfg.Target.ContextRoot != "" {
		b.ContextRoot = cfg.Target.ContextRoot
	}
	if cfg.Target.ServicePath != "" {
		b.ServicePath = cfg.Target.ServicePath
	}
	if cfg.Target.Resource != "" {
		b.Resource = cfg.Target.Resource
	}
	if cfg.Target.Component != "" {
		b.Component = cfg.Target.Component
	}

	tagFilter := normalize.TagsOnly()
	if len(cfg.Comparison.TagAllow) > 0 {
		tagFilter = normalize.New(cfg.Comparison.TagAllow, false, nil)
	}
	errFilter := normalize.WithErrors()
	if len(cfg.Comparison.ErrorTagAllow) > 0 {
		errFilter.Tags = normalize.Set(cfg.Comparison.ErrorTagAllow...)
	}
	if len(cfg.Comparison.LogFields) > 0 {
		errFilter.LogFields = normalize.Set(cfg.Comparison.LogFields...)
	}

	var settle time.Duration
	if cfg.Target.Source == "otlp" {
		settle = cfg.Concurrency.Grace
	}

	return Options{
		Builder:     b,
		Mode:        mode,
		Strict:      cfg.Comparison.StrictParents,
		TagFilter:   tagFilter,
		ErrorFilter: errFilter,
		Calls:       cfg.Concurrency.Calls,
		Workers:     cfg.Concurrency.Workers,
		Grace:       cfg.Concurrency.Grace,
		Settle:      settle,
		Timeout:     cfg.Concurrency.Timeout,
		Tokens:      tokens,
	}, nil
}

// Runner executes scenarios: reset the span source, issue the calls, fetch,
// build, normalise and compare.
type Runner struct {
	opts   Options
	caller Caller
	source session.Source
	stats  *health.Stats
	logger *zap.Logger

	cmp        *compare.Comparator
	tree       *traces.Builder
	correlator *correlate.Correlator
}

// NewRunner creates a runner. stats may be nil.
func NewRunner(opts Options, caller Caller, source session.Source, stats *health.Stats, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Builder == nil {
		opts.Builder = expected.NewBuilder("")
	}
	if opts.Tokens == nil {
		opts.Tokens = correlate.NewCounterTokens(0)
	}
	if opts.TagFilter.Tags == nil {
		opts.TagFilter = normalize.TagsOnly()
	}
	if opts.ErrorFilter.Tags == nil {
		opts.ErrorFilter = normalize.WithErrors()
	}

	cmp := compare.New(opts.Mode, logger)
	c := correlate.New(cmp, logger)
	c.Workers = opts.Workers
	c.Grace = opts.Grace

	return &Runner{
		opts:       opts,
		caller:     caller,
		source:     source,
		stats:      stats,
		logger:     logger,
		cmp:        cmp,
		tree:       traces.NewBuilder(opts.Strict, logger),
		correlator: c,
	}
}

// Run executes the named scenarios, or the whole catalog when none are
// given. It fails only for unknown names; scenario failures are reported in
// the returned report.
func (r *Runner) Run(ctx context.Context, names ...string) (*report.Report, error) {
	scenarios, err := Lookup(names...)
	if err != nil {
		return nil, err
	}

	rep := report.New()
	for _, sc := range scenarios {
		if err := ctx.Err(); err != nil {
			rep.Add(&report.Result{Scenario: sc.Name, Status: report.StatusSkipped, Err: err})
			continue
		}
		res := r.RunScenario(ctx, sc)
		rep.Add(res)
		if r.stats != nil {
			r.stats.RecordResult(res)
		}
	}
	rep.Finish()
	if r.stats != nil {
		r.stats.RecordReport(rep)
	}

	r.logger.Info("run complete",
		zap.Int("scenarios", len(rep.Results)),
		zap.Int("passed", rep.Count(report.StatusPassed)),
		zap.Int("failed", rep.Count(report.StatusFailed)),
		zap.Int("errors", rep.Count(report.StatusError)),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

// RunScenario executes one scenario.
func (r *Runner) RunScenario(ctx context.Context, sc Scenario) *report.Result {
	start := time.Now()
	res := &report.Result{Scenario: sc.Name}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	var err error
	if sc.Correlated != nil {
		err = r.runCorrelated(ctx, sc, res)
	} else {
		err = r.runSingle(ctx, sc, res)
	}
	res.Duration = time.Since(start)

	var corrErr *correlate.CorrelationError
	switch {
	case errors.As(err, &corrErr):
		res.Status = report.StatusFailed
		res.Err = err
	case err != nil:
		res.Status = report.StatusError
		res.Err = err
	case res.Mismatch != nil:
		res.Status = report.StatusFailed
	default:
		res.Status = report.StatusPassed
	}

	fields := []zap.Field{
		zap.String("scenario", sc.Name),
		zap.String("status", res.Status.String()),
		zap.Int("spans", res.Spans),
		zap.Duration("duration", res.Duration),
	}
	if res.Status == report.StatusPassed {
		r.logger.Info("scenario finished", fields...)
	} else {
		r.logger.Warn("scenario finished", append(fields, zap.Error(res.Cause()))...)
	}
	return res
}

func (r *Runner) runSingle(ctx context.Context, sc Scenario, res *report.Result) error {
	if sc.Calls == nil || sc.Expect == nil {
		return fmt.Errorf("scenario %s defines no calls", sc.Name)
	}
	if err := r.source.Reset(ctx); err != nil {
		return fmt.Errorf("reset span source: %w", err)
	}

	token := r.opts.Tokens.Next()
	for _, c := range sc.Calls(token) {
		if err := r.call(ctx, c); err != nil {
			return err
		}
		res.Calls++
	}
	if err := sleep(ctx, r.opts.Settle); err != nil {
		return err
	}

	forest, err := r.collect(ctx, res)
	if err != nil {
		return err
	}
	observed := r.filter(sc.Filter).Apply(forest)
	res.Mismatch = r.cmp.Compare(observed, sc.Expect(r.opts.Builder, token))
	return nil
}

func (r *Runner) runCorrelated(ctx context.Context, sc Scenario, res *report.Result) error {
	if err := r.source.Reset(ctx); err != nil {
		return fmt.Errorf("reset span source: %w", err)
	}

	shape := *sc.Correlated
	b := r.opts.Builder.For(shape.Service)
	plan := correlate.Plan{
		Calls:  r.opts.Calls,
		Tokens: r.opts.Tokens,
		Issue: func(ctx context.Context, token string) error {
			return r.caller.CallService(ctx, b.ServicePath, shape.path(), shape.params(token).Query(), http.StatusOK)
		},
		Collect: func(ctx context.Context) (traces.Forest, error) {
			return r.collect(ctx, res)
		},
		Expected: func(token string) *traces.Node {
			return b.Nested(shape.params(token))
		},
		Normalize: r.filter(sc.Filter).ApplyNode,
	}
	res.Calls = plan.Calls

	out, err := r.correlator.Run(ctx, plan)
	if err != nil {
		return err
	}
	if failed := out.Failed(); len(failed) > 0 {
		res.Mismatch = failed[0].Mismatch
		r.logger.Warn("correlated roots differ",
			zap.String("scenario", sc.Name),
			zap.Int("failed", len(failed)),
			zap.Int("roots", len(out.Outcomes)),
			zap.String("first_token", failed[0].Token),
		)
	}
	return nil
}

func (r *Runner) call(ctx context.Context, c Call) error {
	if c.HostRoot {
		return r.caller.CallRoot(ctx, c.Path, c.Status)
	}
	service := c.Service
	if service == "" {
		service = r.opts.Builder.ServicePath
	}
	return r.caller.CallService(ctx, service, c.Path, c.Query, c.Status)
}

// collect fetches and assembles the observed forest, recording it on res.
func (r *Runner) collect(ctx context.Context, res *report.Result) (traces.Forest, error) {
	records, err := r.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch spans: %w", err)
	}
	res.Spans = len(records)

	forest, err := r.tree.Build(records)
	if err != nil {
		return nil, fmt.Errorf("build span tree: %w", err)
	}
	res.Observed = forest
	return forest, nil
}

func (r *Runner) filter(f Filter) normalize.Filter {
	if f == FilterErrors {
		return r.opts.ErrorFilter
	}
	return r.opts.TagFilter
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
