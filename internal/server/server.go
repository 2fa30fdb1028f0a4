package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/BadgerOps/zippy/internal/config"
	"github.com/BadgerOps/zippy/internal/engine"
	"github.com/BadgerOps/zippy/internal/flags"
	"github.com/BadgerOps/zippy/internal/monitor"
	"github.com/BadgerOps/zippy/internal/store"
)

// Server exposes the engine over a JSON HTTP API.
type Server struct {
	engine     *engine.Engine
	flags      *flags.Manager
	store      *store.Store
	config     *config.Config
	tasks      *TaskManager
	sampler    monitor.Sampler
	maxUpload  int64
	logger     *slog.Logger
	httpServer *http.Server
	janitor    context.CancelFunc
}

// NewServer creates a new Server instance. st may be nil, in which case
// the history endpoint returns an empty list.
func NewServer(
	eng *engine.Engine,
	fm *flags.Manager,
	st *store.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if fm == nil {
		fm = flags.NewManager(st, logger)
	}

	maxUpload, err := config.ParseSize(cfg.Server.MaxUpload)
	if err != nil || maxUpload <= 0 {
		maxUpload = config.MustParseSize(config.DefaultConfig().Server.MaxUpload)
	}

	return &Server{
		engine:    eng,
		flags:     fm,
		store:     st,
		config:    cfg,
		tasks:     NewTaskManager(filepath.Join(cfg.Server.DataDir, "tasks"), cfg.Server.TaskTTL, logger),
		sampler:   monitor.NewSystemSampler(),
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// SetSampler replaces the resource sampler used by the health endpoint.
func (s *Server) SetSampler(sm monitor.Sampler) {
	s.sampler = sm
}

// Tasks returns the server's task manager.
func (s *Server) Tasks() *TaskManager {
	return s.tasks
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server on the given listen address and blocks
// until it stops.
func (s *Server) Start(listenAddr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.janitor = cancel
	s.tasks.StartJanitor(ctx, s.config.Server.CleanupInterval)

	// No read/write timeouts: uploads and event streams are long-lived.
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server and cancels running tasks.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.janitor != nil {
		s.janitor()
	}
	var errs []error
	if s.httpServer != nil {
		s.logger.Info("shutting down HTTP server")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.tasks.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for tasks: %w", err))
	}
	return errors.Join(errs...)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/compress", s.handleCompress)
	mux.HandleFunc("POST /api/v1/extract", s.handleExtract)

	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleCancelTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /api/v1/download/{id}", s.handleDownload)

	mux.HandleFunc("GET /api/v1/flags", s.handleListFlags)
	mux.HandleFunc("PUT /api/v1/flags/{name}", s.handleSetFlag)

	mux.HandleFunc("GET /api/v1/operations", s.handleListOperations)

	return mux
}
