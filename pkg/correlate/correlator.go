// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package correlate issues many concurrent calls, each carrying a unique
// token, and maps the resulting span trees back to the call that produced
// them.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/mbeema/tracetck/pkg/compare"
	"github.com/mbeema/tracetck/pkg/traces"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults for token lookup on root spans.
const (
	DefaultTokenTag   = traces.TagHTTPURL
	DefaultTokenParam = "data"
	DefaultGrace      = time.Second
)

var (
	// ErrRootCount means the number of observed roots differs from the
	// number of calls issued.
	ErrRootCount = errors.New("root count does not match call count")

	// ErrTokenMissing means a root carries no token.
	ErrTokenMissing = errors.New("root span carries no correlation token")

	// ErrUnknownToken means a root's token was never sent or was already
	// consumed by another root.
	ErrUnknownToken = errors.New("correlation token not in the sent set")
)

// CorrelationError is a hard failure of a correlated run.
type CorrelationError struct {
	Err      error
	Token    string
	Root     string
	Observed int
	Expected int
}

func (e *CorrelationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrRootCount):
		return fmt.Sprintf("%v: observed %d roots, expected %d", e.Err, e.Observed, e.Expected)
	case e.Token != "":
		return fmt.Sprintf("%v: token %s in root:\n%s", e.Err, e.Token, e.Root)
	default:
		return fmt.Sprintf("%v in root:\n%s", e.Err, e.Root)
	}
}

func (e *CorrelationError) Unwrap() error { return e.Err }

// Plan describes one correlated run.
type Plan struct {
	// Calls is the number of concurrent calls.
	Calls int
	// Tokens generates one token per call. Defaults to a counter.
	Tokens TokenGenerator
	// Issue performs the call for token and blocks until it completes.
	Issue func(ctx context.Context, token string) error
	// Collect fetches the observed forest once every call has finished.
	Collect func(ctx context.Context) (traces.Forest, error)
	// Expected builds the reference tree for token.
	Expected func(token string) *traces.Node
	// Normalize projects an observed root before comparison. Optional.
	Normalize func(*traces.Node) *traces.Node
	// TokenTag names the root tag holding the token. Defaults to http.url.
	TokenTag string
	// TokenParam is the anchor preceding the token. Defaults to "data".
	TokenParam string
}

// Outcome is the verdict for one correlated root.
type Outcome struct {
	Token    string
	Root     *traces.Node
	Mismatch *compare.Mismatch
}

// Result holds every outcome of a run.
type Result struct {
	Calls    int
	Outcomes []Outcome
	Duration time.Duration
}

// Passed reports whether every root matched its expected tree.
func (r *Result) Passed() bool {
	return len(r.Failed()) == 0 && len(r.Outcomes) == r.Calls
}

// Failed returns the outcomes with a mismatch.
func (r *Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Mismatch != nil {
			out = append(out, o)
		}
	}
	return out
}

// Correlator runs plans on a bounded worker pool.
type Correlator struct {
	// Workers bounds concurrent calls. Zero means one per logical CPU.
	Workers int
	// Grace is waited after the last call before collecting spans.
	Grace time.Duration

	cmp    *compare.Comparator
	logger *zap.Logger
}

// New creates a correlator with default workers and grace period.
func New(cmp *compare.Comparator, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cmp == nil {
		cmp = compare.New(compare.Ordered, logger)
	}
	return &Correlator{
		Workers: DefaultWorkers(),
		Grace:   DefaultGrace,
		cmp:     cmp,
		logger:  logger,
	}
}

// DefaultWorkers returns the number of logical CPUs.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// Run issues the calls, waits for all of them, collects the forest once and
// verifies each root against the tree expected for its token.
func (c *Correlator) Run(ctx context.Context, p Plan) (*Result, error) {
	if p.Calls <= 0 {
		return nil, fmt.Errorf("correlate: calls must be positive, got %d", p.Calls)
	}
	if p.Issue == nil || p.Collect == nil || p.Expected == nil {
		return nil, errors.New("correlate: plan needs Issue, Collect and Expected")
	}
	tokens := p.Tokens
	if tokens == nil {
		tokens = NewCounterTokens(0)
	}
	tokenTag := p.TokenTag
	if tokenTag == "" {
		tokenTag = DefaultTokenTag
	}
	tokenParam := p.TokenParam
	if tokenParam == "" {
		tokenParam = DefaultTokenParam
	}
	workers := c.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	start := time.Now()
	sent := NewBag()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < p.Calls; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tok := tokens.Next()
			sent.Add(tok)
			if err := p.Issue(gctx, tok); err != nil {
				return fmt.Errorf("call with token %s: %w", tok, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.Debug("correlated calls finished",
		zap.Int("calls", p.Calls),
		zap.Int("workers", workers),
		zap.Duration("elapsed", time.Since(start)),
	)

	if c.Grace > 0 {
		timer := time.NewTimer(c.Grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	forest, err := p.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect spans: %w", err)
	}
	if len(forest) != p.Calls {
		return nil, &CorrelationError{Err: ErrRootCount, Observed: len(forest), Expected: p.Calls}
	}

	res := &Result{Calls: p.Calls, Outcomes: make([]Outcome, 0, len(forest))}
	for _, root := range forest {
		tok, ok := ExtractToken(root.Record.Tag(tokenTag), tokenParam)
		if !ok {
			return nil, &CorrelationError{Err: ErrTokenMissing, Root: root.String()}
		}
		if !sent.Take(tok) {
			c.logger.Warn("token not found in request list",
				zap.String("token", tok),
				zap.String("root", root.Record.Operation),
			)
			return nil, &CorrelationError{Err: ErrUnknownToken, Token: tok, Root: root.String()}
		}

		observed := root
		if p.Normalize != nil {
			observed = p.Normalize(root)
		}
		m := c.cmp.CompareTree(observed, p.Expected(tok))
		if m != nil {
			c.logger.Warn("correlated tree mismatch",
				zap.String("token", tok),
				zap.Error(m),
			)
		}
		res.Outcomes = append(res.Outcomes, Outcome{Token: tok, Root: root, Mismatch: m})
	}
	res.Duration = time.Since(start)
	return res, nil
}
