// Package server exposes the tool call lifecycle over HTTP: a JSON API
// for mutations and queries, SSE and WebSocket endpoints for live
// updates, plus health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolflow/toolflow/internal/config"
	"github.com/toolflow/toolflow/internal/engine"
	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/internal/stream"
)

// Server is the HTTP front end.
type Server struct {
	cfg     config.ServerConfig
	engine  *engine.Engine
	streams *stream.Publisher
	metrics *observability.Metrics
	tracer  *observability.Tracer
	audit   observability.AuditStore
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// Options carries optional collaborators.
type Options struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Audit   observability.AuditStore
	Logger  *slog.Logger
}

// New creates a Server. engine and streams are required.
func New(cfg config.ServerConfig, eng *engine.Engine, streams *stream.Publisher, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  eng,
		streams: streams,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		audit:   opts.Audit,
		logger:  logger,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/tool-calls", s.handleCreateCall)
	mux.HandleFunc("GET /api/tool-calls/{id}", s.handleGetCall)
	mux.HandleFunc("PATCH /api/tool-calls/{id}/status", s.handleUpdateCallStatus)
	mux.HandleFunc("POST /api/tool-calls/{id}/approve", s.handleApproveCall)
	mux.HandleFunc("POST /api/tool-calls/{id}/reject", s.handleRejectCall)
	mux.HandleFunc("POST /api/tool-calls/{id}/retry", s.handleRetryCall)

	mux.HandleFunc("POST /api/tool-pipelines", s.handleCreatePipeline)
	mux.HandleFunc("GET /api/tool-pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("PATCH /api/tool-pipelines/{id}/status", s.handleUpdatePipelineStatus)
	mux.HandleFunc("GET /api/tool-pipelines/{id}/tool-calls", s.handleListPipelineCalls)

	mux.HandleFunc("GET /api/tool-calls/{id}/audit", s.handleCallAudit)
	mux.HandleFunc("GET /api/chats/{chatID}/audit", s.handleChatAudit)
	mux.HandleFunc("GET /api/audit/events", s.handleAuditEvents)

	mux.HandleFunc("GET /api/chats/{chatID}/tool-calls", s.handleListChatCalls)
	mux.HandleFunc("GET /api/chats/{chatID}/tool-pipelines", s.handleListChatPipelines)
	mux.HandleFunc("GET /api/tool-pipelines/{id}/stream", s.handlePipelineStream)
	mux.HandleFunc("GET /api/chats/{chatID}/tools/stream", s.handleStreamSSE)
	mux.HandleFunc("GET /api/chats/{chatID}/tools/ws", s.handleStreamWS)

	return s.withRequestLogging(mux)
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		// WriteTimeout stays zero: SSE and WS hold connections open.
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", addr)
	return nil
}

// Addr returns the bound listen address, useful when port 0 was asked.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handlePipelineStream(w http.ResponseWriter, r *http.Request) {
	s.streams.ServePipelineSSE(w, r, r.PathValue("id"))
}

func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	s.streams.ServeSSE(w, r, r.PathValue("chatID"))
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	s.streams.ServeWS(w, r, r.PathValue("chatID"))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the middleware wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(observability.AddRequestID(r.Context(), requestID))
		w.Header().Set("X-Request-ID", requestID)

		// WS upgrades need the raw ResponseWriter for hijacking.
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		var span trace.Span
		if s.tracer != nil {
			ctx := s.tracer.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span = s.tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		if span != nil {
			s.tracer.SetAttributes(span, "http.status", rec.status)
		}
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status), dur.Seconds())
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", requestID,
			"duration", dur)
	})
}
