// Package api provides HTTP handlers and the API server for CallFlow.
//
// It exposes endpoints for processing caller turns, validating drafted
// responses, reloading definitions, and inspecting session audit trails.
// The API wraps the pipeline; it holds no flow-control logic of its own.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CallFlow/internal/pipeline"
	"github.com/BTreeMap/CallFlow/internal/registry"
	"github.com/BTreeMap/CallFlow/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server routes API requests to the pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	registry *registry.DefinitionRegistry
	store    store.Store
	addr     string
}

// NewServer creates an API server over a wired pipeline.
func NewServer(p *pipeline.Pipeline, reg *registry.DefinitionRegistry, st store.Store, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return &Server{pipeline: p, registry: reg, store: st, addr: o.Addr}
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/turn", s.turnHandler)
	mux.HandleFunc("/v1/validate", s.validateHandler)
	mux.HandleFunc("/v1/session/end", s.endSessionHandler)
	mux.HandleFunc("/v1/definitions/reload", s.reloadHandler)
	mux.HandleFunc("/v1/audit", s.auditHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the API server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
}
