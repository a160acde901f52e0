// Package server assembles the registry's dependencies into one HTTP
// server and drives its lifecycle: construction, graceful-shutdown-aware
// ListenAndServe, and teardown. The assembly and shutdown sequence mirror
// the teacher's own registry API server (same middleware chain, same
// read/write/idle timeout constants, same SIGINT/SIGTERM-driven shutdown).
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/stacklok/protoreg/pkg/api/v1"
	"github.com/stacklok/protoreg/pkg/catalog"
	"github.com/stacklok/protoreg/pkg/config"
	"github.com/stacklok/protoreg/pkg/graph"
	"github.com/stacklok/protoreg/pkg/logger"
	"github.com/stacklok/protoreg/pkg/notify"
	"github.com/stacklok/protoreg/pkg/orchestrator"
	"github.com/stacklok/protoreg/pkg/pipeline"
	"github.com/stacklok/protoreg/pkg/provenance"
	"github.com/stacklok/protoreg/pkg/ratelimit"
	"github.com/stacklok/protoreg/pkg/registrywriter"
	"github.com/stacklok/protoreg/pkg/storage/sqlite"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
	rateLimitIdleTTL       = 10 * time.Minute
)

// Server owns every long-lived component wired for one process lifetime:
// the in-memory catalog and dependency graph, the registration pipeline and
// its orchestrator, the sqlite mirror, and the http.Server exposing them.
type Server struct {
	httpServer *http.Server
	db         *sqlite.Store
}

// New constructs a Server from cfg. Components are wired bottom-up: catalog
// and graph first, then the pipeline/writer/orchestrator triple that drives
// them, then the sqlite mirror and rate limiter, and finally the chi router.
func New(cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bus := notify.New()
	cat := catalog.New()

	g := graph.New()
	if cfg.GraphSkipMissing {
		g.MissingEdgeBehavior = graph.SkipEdge
	}

	p := pipeline.New(cfg.BaseDir, cfg.Retry, bus)
	p.Events.SkipCorruptLines = cfg.EventLogSkipOnScan
	writer := registrywriter.New(cat, g, p.Events, bus)
	orch := orchestrator.New(p, writer)

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	var verifier *provenance.Verifier
	if len(cfg.ProvenanceKeys) > 0 {
		verifier, err = provenance.NewVerifier(cfg.ProvenanceKeys)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("loading provenance keys: %w", err)
		}
	}

	limiter := ratelimit.New(cfg.RateLimit, rateLimitIdleTTL)

	svc := &v1.Service{
		Registry: &v1.Registry{
			Pipeline:          p,
			Writer:            writer,
			Orchestrator:      orch,
			Graph:             g,
			Verifier:          verifier,
			DB:                db,
			RequireProvenance: cfg.RequireProvenance,
			AllowCycles:       cfg.GraphAllowCycles,
		},
		RateLimiter: limiter,
		APIKey:      cfg.APIKey,
		ServiceName: "protoreg",
		JSONLimit:   cfg.JSONLimit,
	}

	router := v1.NewServer(svc,
		v1.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			v1.LoggingMiddleware,
		),
	)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  serverReadTimeout,
			WriteTimeout: serverWriteTimeout,
			IdleTimeout:  serverIdleTimeout,
		},
		db: db,
	}, nil
}

// Run starts the HTTP server and blocks until SIGINT or SIGTERM, then drains
// in-flight requests within defaultGracefulTimeout before returning.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting registry server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
		logger.Info("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Warnw("failed to close sqlite store cleanly", "error", err.Error())
		}
	}

	logger.Info("registry server stopped")
	return nil
}
