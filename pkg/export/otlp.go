// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbeema/tracetck/pkg/config"
	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// OTLPExporter sends forests via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger   *zap.Logger
	endpoint string
	headers  map[string]string
	opts     []grpc.DialOption

	mu       sync.RWMutex
	conn     *grpc.ClientConn
	traceSvc coltracepb.TraceServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter. Dialing does not block.
func NewOTLPExporter(cfg *config.OTLPConfig, logger *zap.Logger) (*OTLPExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:   logger,
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		opts:     opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check under write lock
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

// ExportForest sends every span of forest, tagged with the scenario name.
func (e *OTLPExporter) ExportForest(ctx context.Context, scenario string, forest traces.Forest) error {
	if len(forest) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	if len(e.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(e.headers))
	}

	e.mu.RLock()
	svc := e.traceSvc
	e.mu.RUnlock()

	if _, err := svc.Export(ctx, TraceRequest(scenario, forest)); err != nil {
		return fmt.Errorf("otlp grpc export %s: %w", scenario, err)
	}
	e.logger.Debug("forest exported",
		zap.String("scenario", scenario),
		zap.Int("spans", forest.Count()),
	)
	return nil
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}
