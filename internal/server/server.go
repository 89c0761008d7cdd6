// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/noldarim/kernelwire/internal/config"
	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/noldarim/kernelwire/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Server is the HTTP + WebSocket front door to a shared kernel.
type Server struct {
	httpServer *http.Server
	registry   *ConnectionRegistry
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	tracer trace.Tracer
}

// WithServerTracer sets the tracer used for HTTP and dispatch spans.
func WithServerTracer(t trace.Tracer) Option {
	return func(o *serverOptions) { o.tracer = t }
}

// New creates and wires up the server. It does NOT start listening;
// call Run() for that.
func New(cfg *config.AppConfig, k kernel.Kernel, opts ...Option) *Server {
	o := serverOptions{tracer: otel.Tracer(telemetry.TracerName)}
	for _, opt := range opts {
		opt(&o)
	}

	registry := NewConnectionRegistry(cfg.Server.MaxClients)
	handlers := NewHandlers(k, registry)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Tracing(o.tracer))
	r.Use(Logger)
	r.Use(CORS(cfg.Server.AllowedOrigins))

	r.Get("/healthz", handlers.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", handlers.GetStatus)
		r.Get("/kernel/info", handlers.GetKernelInfo)
	})

	r.Get("/ws", HandleWebSocket(k, registry, WebSocketConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxFrameBytes:  int64(cfg.Transport.MaxFrameBytes),
		PingPeriod:     cfg.Transport.PingPeriod,
		WriteTimeout:   cfg.Transport.WriteTimeout,
		Codec:          protocol.NewCodec(protocol.WithRawSubmissions(cfg.Transport.AcceptRawSubmissions)),
		Tracer:         o.tracer,
	}))

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		registry: registry,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens on the configured address and serves until ctx is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln. Cancelling ctx shuts the server down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		getAPILog().Info().Str("addr", ln.Addr().String()).Msg("API server listening")
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections, closes every WebSocket session and
// waits for in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll()
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
