// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingestor assembles the CIM capture service: three producer
// channels, the completion barrier, a storage backend and the HTTP surface.
//
//	producers ──HTTP──▶ routes ──▶ channel.Set (network, diagram, customer)
//	                       │
//	                       └─complete─▶ barrier ──all done──▶ storage.Backend
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/config"
	"github.com/AleutianAI/cimcap/services/ingestor/observability"
	"github.com/AleutianAI/cimcap/services/ingestor/routes"
	"github.com/AleutianAI/cimcap/services/ingestor/storage"
	badgerstore "github.com/AleutianAI/cimcap/services/ingestor/storage/badger"
	"github.com/AleutianAI/cimcap/services/ingestor/storage/sqlite"
	"github.com/AleutianAI/cimcap/services/ingestor/telemetry"
)

// Server is a fully wired ingestor.
//
// # Thread Safety
//
// Serve should be called once. The accessors are safe at any time.
type Server struct {
	cfg        config.Config
	configPath string
	logger     *logging.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics
	channels *channel.Set
	barrier  *barrier.Barrier
	backend  storage.Backend
	router   *gin.Engine
}

// New opens the storage backend and wires every component.
//
// # Inputs
//
//   - cfg: A validated configuration.
//   - configPath: The file cfg came from. When non-empty, Serve watches it
//     and applies log level changes. May be empty.
//   - logger: The service logger. Nil means logging.Nop.
//
// # Outputs
//
//   - *Server: Ready to Serve. Close releases the backend if Serve is never
//     called.
//   - error: Invalid policies or a backend that cannot be opened.
func New(cfg config.Config, configPath string, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	validationPolicy, failurePolicy, err := cfg.Barrier.Policies()
	if err != nil {
		return nil, err
	}

	backend, err := OpenBackend(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, configPath, logger, backend, validationPolicy, failurePolicy), nil
}

func newServer(
	cfg config.Config,
	configPath string,
	logger *logging.Logger,
	backend storage.Backend,
	validationPolicy barrier.ValidationPolicy,
	failurePolicy barrier.FailurePolicy,
) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	channels := channel.NewDefaultSet(logger)
	b := barrier.New(channels, backend, barrier.Config{
		ValidationPolicy: validationPolicy,
		FailurePolicy:    failurePolicy,
		Observers:        []barrier.Observer{observability.NewDiagnosticsLogger(logger)},
		Recorder:         metrics,
		Logger:           logger,
	})

	router := routes.NewRouter(routes.Deps{
		Channels:    channels,
		Barrier:     b,
		Metrics:     metrics,
		Storage:     backend,
		Gatherer:    registry,
		Logger:      logger,
		RateLimit:   cfg.Ingest.RateLimit,
		Burst:       cfg.Ingest.Burst,
		ServiceName: cfg.Telemetry.ServiceName,
	})

	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		registry:   registry,
		metrics:    metrics,
		channels:   channels,
		barrier:    b,
		backend:    backend,
		router:     router,
	}
}

// OpenBackend opens the configured storage backend.
func OpenBackend(cfg config.StorageConfig, logger *logging.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendBadger, "":
		dbCfg := badgerstore.DefaultConfig(cfg.Path)
		dbCfg.SyncWrites = cfg.SyncWrites
		if logger != nil {
			dbCfg.Logger = logger.With("component", "badger").Slog()
		}
		db, err := badgerstore.OpenDB(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return badgerstore.NewGraphWriter(db), nil

	case config.BackendSQLite:
		w, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return w, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Barrier returns the completion barrier.
func (s *Server) Barrier() *barrier.Barrier { return s.barrier }

// Backend returns the storage backend.
func (s *Server) Backend() storage.Backend { return s.backend }

// Close waits for an in-flight persistence write, stops the barrier and
// releases the storage backend.
func (s *Server) Close() error {
	s.barrier.Close()
	return s.backend.Close()
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled, then shuts down.
//
// # Description
//
// Telemetry is initialized first and flushed last. OTel metrics are
// exported into the same registry /metrics serves. The config watcher runs
// alongside the server when a config path was given. On cancellation
// in-flight requests get Server.ShutdownTimeout to finish. After that the
// barrier is closed, which waits for a write it already started, and only
// then the backend. Finishes still arriving get barrier.ErrClosed.
//
// # Outputs
//
//   - error: The first failure from the server, telemetry or the backend.
//     Nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) (err error) {
	tcfg := s.cfg.Telemetry
	tcfg.Registerer = s.registry
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		_ = ln.Close()
		_ = s.Close()
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Handlers still running after the shutdown timeout may be inside a
		// write; Close waits for it before the backend goes away.
		err = errors.Join(err, s.Close(), shutdownTelemetry(flushCtx))
	}()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("ingestor listening",
			"addr", ln.Addr().String(),
			"backend", s.cfg.Storage.Backend,
			"path", s.cfg.Storage.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("ingestor shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.configPath != "" {
		w, werr := config.NewWatcher(s.configPath, s.logger, config.ApplyLogLevel(s.logger))
		if werr != nil {
			s.logger.Warn("config watcher disabled", "path", s.configPath, "error", werr)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	return g.Wait()
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
