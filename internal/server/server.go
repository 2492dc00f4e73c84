// Package server is the HTTP layer: it adapts request envelopes into
// execution requests, consults the lifecycle gate, and translates execution
// results back into response envelopes.
package server

import (
	"context"
	"encoding/json"
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

	"github.com/bottomsky/algoserve/algorithm"
	"github.com/bottomsky/algoserve/catalog"
	"github.com/bottomsky/algoserve/executor"
	"github.com/bottomsky/algoserve/internal/config"
	"github.com/bottomsky/algoserve/internal/store"
	"github.com/bottomsky/algoserve/lifecycle"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	cfg       config.Config
	registry  *algorithm.Registry
	executor  executor.Executor
	machine   *lifecycle.Machine
	store     store.Store
	publisher catalog.Publisher
	logger    *slog.Logger
}

// NewServer creates and configures the HTTP server. The store and publisher
// are optional; nil disables execution history and catalog endpoints.
func NewServer(
	cfg config.Config,
	reg *algorithm.Registry,
	exec executor.Executor,
	machine *lifecycle.Machine,
	st store.Store,
	pub catalog.Publisher,
	logger *slog.Logger,
) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		registry:  reg,
		executor:  exec,
		machine:   machine,
		store:     st,
		publisher: pub,
		logger:    logger,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
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
	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/healthz", http.StatusTemporaryRedirect)
	})

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/algorithms", s.handleListAlgorithms)
	s.router.Get("/algorithms/{name}/{version}/schema", s.handleGetSchema)
	s.router.Post("/algorithms/{name}/{version}", s.handleExecute)

	s.router.Get("/service/info", s.handleServiceInfo)

	if s.store != nil {
		s.router.Get("/v1/executions", s.handleListExecutions)
		s.router.Get("/v1/executions/{id}", s.handleGetExecution)
	}

	if s.publisher != nil {
		s.router.Get("/registry/algorithms", s.handleRegistryCatalogs)
	}

	if s.cfg.MetadataDir != "" {
		s.router.Post("/admin/overrides/reload", s.handleReloadOverrides)
	}

	s.router.Route("/admin/lifecycle", func(r chi.Router) {
		r.Get("/state", s.handleLifecycleState)
		r.Post("/running", s.lifecycleTransition(lifecycle.StateRunning))
		r.Post("/draining", s.lifecycleTransition(lifecycle.StateDraining))
		r.Post("/shutdown", s.lifecycleTransition(lifecycle.StateStopped))
	})

	if s.cfg.SwaggerEnabled {
		s.router.Get("/openapi.json", s.handleOpenAPI)
		s.router.Get(s.cfg.SwaggerPath, s.handleDocs)
	}
}

// Router returns the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received,
// then drives the lifecycle through draining to stopped.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.ListenAddr())
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

	if s.machine.State() == lifecycle.StateReady || s.machine.State() == lifecycle.StateRunning {
		if err := s.machine.To(ctx, lifecycle.StateDraining, "signal"); err != nil {
			s.logger.Error("draining transition failed", "error", err)
		} else if err := s.machine.To(ctx, lifecycle.StateStopped, "signal"); err != nil {
			s.logger.Error("stopped transition failed", "error", err)
		}
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

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

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response for transport-level failures.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
