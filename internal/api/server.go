// Package api exposes the aggregator over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"apiagg/internal/aggregator"
	"apiagg/internal/config"
	"apiagg/internal/slogutil"
	"apiagg/internal/storage"
	"apiagg/internal/warm"
)

// FetchStats is the persisted telemetry the /stats endpoint reports.
type FetchStats interface {
	FetchAggregates(since time.Time) ([]storage.SourceAggregate, error)
}

// Options configures a Server. Aggregator is required.
type Options struct {
	Addr       string
	Aggregator *aggregator.Aggregator
	// Stats is optional; without it /stats reports the cache only.
	Stats FetchStats
	// Warmer is optional; when set /stats includes its status.
	Warmer    *warm.Scheduler
	Metrics   *MetricsCollector
	RateLimit config.RateLimitConfig
	Logger    *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	router  *http.ServeMux
	server  *http.Server
	addr    string
	logger  *slog.Logger
	agg     *aggregator.Aggregator
	stats   FetchStats
	warmer  *warm.Scheduler
	metrics *MetricsCollector
	limiter *RateLimiter
}

// NewServer creates a new HTTP server instance
func NewServer(opts Options) (*Server, error) {
	if opts.Aggregator == nil {
		return nil, fmt.Errorf("api: aggregator is required")
	}
	if opts.Logger == nil {
		opts.Logger = slogutil.NewDiscardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetricsCollector()
	}

	s := &Server{
		addr:    opts.Addr,
		logger:  opts.Logger,
		agg:     opts.Aggregator,
		stats:   opts.Stats,
		warmer:  opts.Warmer,
		metrics: opts.Metrics,
		router:  http.NewServeMux(),
	}
	if opts.RateLimit.Enabled {
		s.limiter = NewRateLimiter(opts.RateLimit, []string{"/api/aggregation"})
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.applyMiddleware(s.router),
		ReadHeaderTimeout: 10 * time.Second,
		// source timeouts bound the slowest aggregation well below this
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("Server shut down successfully")
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// applyMiddleware wraps the handler with middleware in the correct order
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	// innermost first; recovery ends up outermost
	handler = GzipMiddleware()(handler)
	if s.limiter != nil {
		handler = RateLimitMiddleware(s.limiter, s.metrics, s.logger)(handler)
	}
	handler = CORSMiddleware()(handler)
	handler = RequestIDMiddleware()(handler)
	handler = LoggingMiddleware(s.logger, s.metrics)(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	return handler
}
