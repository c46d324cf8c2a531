// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

import (
	"context"
	"fmt"
	"net"

	"github.com/mbeema/tracetck/pkg/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip decompressor

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// GRPCServer is an OTLP/gRPC trace service recording into a session.
type GRPCServer struct {
	coltracepb.UnimplementedTraceServiceServer

	addr    string
	session session.Session
	logger  *zap.Logger

	// OnReceive, when set, is called with the span count of every export.
	OnReceive func(spans int)

	server *grpc.Server
	lis    net.Listener
}

// NewGRPCServer creates a receiver listening on addr once started.
func NewGRPCServer(addr string, s session.Session, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCServer{addr: addr, session: s, logger: logger}
}

// Export implements coltracepb.TraceServiceServer.
func (g *GRPCServer) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	records := RecordsFromRequest(req)
	for _, r := range records {
		g.session.Record(r)
	}
	if g.OnReceive != nil {
		g.OnReceive(len(records))
	}
	g.logger.Debug("otlp grpc export received", zap.Int("spans", len(records)))
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

// Start listens on the configured address and serves in the background.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.addr, err)
	}
	g.lis = lis
	g.server = grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(g.server, g)

	go func() {
		if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			g.logger.Error("otlp grpc receiver error", zap.Error(err))
		}
	}()

	g.logger.Info("otlp grpc receiver started", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (g *GRPCServer) Addr() string {
	if g.lis != nil {
		return g.lis.Addr().String()
	}
	return g.addr
}

// Stop drains in-flight exports and stops the server.
func (g *GRPCServer) Stop() error {
	if g.server != nil {
		g.server.GracefulStop()
	}
	return nil
}
