// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package target talks to the system under test: it issues the calls a
// scenario makes and reads back the spans its tracer recorded.
package target

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mbeema/tracetck/pkg/expected"
	"go.uber.org/zap"
)

// Tracer endpoint defaults.
const (
	DefaultTracerPath = "tracer"
	GetTracerPath     = "getTracer"
	ClearTracerPath   = "clearTracer"
	DefaultTimeout    = 30 * time.Second
	userAgent         = "tracetck/1.0"
)

// ErrUnexpectedStatus is wrapped by every StatusError.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// StatusError reports a response whose status differs from the one the
// caller required.
type StatusError struct {
	Method   string
	URL      string
	Expected int
	Got      int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: expected HTTP %d but received %d; response: %s",
		e.Method, e.URL, e.Expected, e.Got, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Config locates the system under test.
type Config struct {
	// BaseURL is the deployment root, e.g. http://localhost:9080/app/.
	BaseURL     string
	ContextRoot string
	ServicePath string
	TracerPath  string
	Timeout     time.Duration
}

// Client issues requests against the system under test. It never retries.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *zap.Logger
}

// New creates a client for cfg.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContextRoot == "" {
		cfg.ContextRoot = expected.DefaultContextRoot
	}
	if cfg.ServicePath == "" {
		cfg.ServicePath = expected.DefaultServicePath
	}
	if cfg.TracerPath == "" {
		cfg.TracerPath = DefaultTracerPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", userAgent)

	return &Client{cfg: cfg, http: rc, logger: logger}
}

// URL returns the full URL of an endpoint below the context root.
func (c *Client) URL(service, path string, q expected.Query) string {
	return expected.JoinURL(c.cfg.BaseURL, c.cfg.ContextRoot, service, path) + q.Encode()
}

// Call issues GET <service path>/<path><query> and requires expectStatus.
func (c *Client) Call(ctx context.Context, path string, q expected.Query, expectStatus int) error {
	return c.CallService(ctx, c.cfg.ServicePath, path, q, expectStatus)
}

// CallService is Call against an explicit service path. An expectStatus of
// zero accepts any response.
func (c *Client) CallService(ctx context.Context, service, path string, q expected.Query, expectStatus int) error {
	return c.get(ctx, c.URL(service, path, q), expectStatus)
}

// RootURL returns the URL of path on the server hosting the deployment,
// outside any application path.
func (c *Client) RootURL(path string) (string, error) {
	u, err := neturl.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q has no scheme or host", c.cfg.BaseURL)
	}
	return expected.JoinURL(u.Scheme+"://"+u.Host, path), nil
}

// CallRoot issues GET against a server-level path such as /health.
func (c *Client) CallRoot(ctx context.Context, path string, expectStatus int) error {
	url, err := c.RootURL(path)
	if err != nil {
		return err
	}
	return c.get(ctx, url, expectStatus)
}

func (c *Client) get(ctx context.Context, url string, expectStatus int) error {
	c.logger.Debug("executing", zap.String("url", url))

	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	return checkStatus(resp, http.MethodGet, url, expectStatus)
}

func checkStatus(resp *resty.Response, method, url string, want int) error {
	if want == 0 || resp.StatusCode() == want {
		return nil
	}
	return &StatusError{
		Method:   method,
		URL:      url,
		Expected: want,
		Got:      resp.StatusCode(),
		Body:     resp.String(),
	}
}
