// Package api serves the scheduler's ops endpoints: health checks, sweep
// statistics, Prometheus metrics, the error log and credential gates.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ignite/spamcheck-scheduler/internal/config"
	"github.com/ignite/spamcheck-scheduler/internal/pkg/logger"
)

// Server is the ops HTTP server.
type Server struct {
	cfg     config.OpsConfig
	handler http.Handler
	server  *http.Server
	log     *logger.Logger
}

// NewServer creates the ops server.
func NewServer(cfg config.OpsConfig, h *Handlers, hc *HealthChecker, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:     cfg,
		handler: SetupRoutes(h, hc, gatherer, cfg.CORSOrigins),
		log:     logger.With("component", "api.Server"),
	}
}

// ListenAndServe serves until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	s.log.Info("ops server listening", "addr", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
