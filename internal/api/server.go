package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sweepd/sweepd/internal/engine"
	"github.com/sweepd/sweepd/internal/params"
	"github.com/sweepd/sweepd/internal/store"
	"github.com/sweepd/sweepd/internal/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	params   *params.Registry
	registry *engine.Registry
	broker   *engine.Broker
	factory  worker.Factory
	logger   *slog.Logger
	addr     string

	artifactsDir   string
	defaultWorkers int

	// runCtx governs all run executions started through the API; it is
	// cancelled on server shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// Config carries the server's construction parameters.
type Config struct {
	Addr           string
	ArtifactsDir   string
	DefaultWorkers int
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg Config, s store.Store, preg *params.Registry, factory worker.Factory, logger *slog.Logger) *Server {
	runCtx, cancelRun := context.WithCancel(context.Background())
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		params:   preg,
		registry: engine.NewRegistry(),
		broker:   engine.NewBroker(),
		factory:  factory,
		logger:   logger,
		addr:     cfg.Addr,

		artifactsDir:   cfg.ArtifactsDir,
		defaultWorkers: cfg.DefaultWorkers,

		runCtx:    runCtx,
		cancelRun: cancelRun,
	}
	if srv.defaultWorkers <= 0 {
		srv.defaultWorkers = engine.DefaultWorkers
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/params", s.handleListParams)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/tasks", s.handleListRunTasks)
		r.Post("/{id}/start", s.handleStartRun)
		r.Post("/{id}/stop", s.handleStopRun)
		r.Post("/{id}/pause", s.handlePauseRun)
		r.Post("/{id}/resume", s.handleResumeRun)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Get("/{id}/analysis", s.handleRunAnalysis)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// Active runs are stopped and waited for before returning.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	for _, id := range s.registry.Active() {
		if err := s.registry.Stop(id); err != nil {
			s.logger.Warn("stop run on shutdown", "run_id", id, "error", err)
		}
	}
	s.cancelRun()
	s.registry.Wait()

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
