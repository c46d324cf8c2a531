// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package receiver

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mbeema/tracetck/pkg/session"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// TracesPath is the OTLP/HTTP trace export path.
const TracesPath = "/v1/traces"

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
	maxBodyBytes        = 16 << 20
)

// HTTPHandler serves OTLP/HTTP trace exports in protobuf or JSON encoding,
// optionally gzip-compressed.
type HTTPHandler struct {
	session session.Session
	logger  *zap.Logger

	// OnReceive, when set, is called with the span count of every export.
	OnReceive func(spans int)
}

// NewHTTPHandler creates a handler recording into s.
func NewHTTPHandler(s session.Session, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{session: s, logger: logger}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), contentTypeJSON)
	req := &coltracepb.ExportTraceServiceRequest{}
	if isJSON {
		err = protojson.Unmarshal(data, req)
	} else {
		err = proto.Unmarshal(data, req)
	}
	if err != nil {
		h.logger.Debug("rejecting otlp http export", zap.Error(err))
		http.Error(w, "decode export request", http.StatusBadRequest)
		return
	}

	records := RecordsFromRequest(req)
	for _, rec := range records {
		h.session.Record(rec)
	}
	if h.OnReceive != nil {
		h.OnReceive(len(records))
	}
	h.logger.Debug("otlp http export received", zap.Int("spans", len(records)))

	resp := &coltracepb.ExportTraceServiceResponse{}
	var out []byte
	if isJSON {
		w.Header().Set("Content-Type", contentTypeJSON)
		out, _ = protojson.Marshal(resp)
	} else {
		w.Header().Set("Content-Type", contentTypeProtobuf)
		out, _ = proto.Marshal(resp)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// HTTPServer serves an HTTPHandler on TracesPath.
type HTTPServer struct {
	addr    string
	handler *HTTPHandler
	logger  *zap.Logger
	server  *http.Server
	lis     net.Listener
}

// NewHTTPServer creates a server for h listening on addr once started.
func NewHTTPServer(addr string, h *HTTPHandler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{addr: addr, handler: h, logger: logger}
}

// Start begins serving in the background.
func (s *HTTPServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle(TracesPath, s.handler)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.lis = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("otlp http receiver error", zap.Error(err))
		}
	}()

	s.logger.Info("otlp http receiver started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *HTTPServer) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *HTTPServer) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
