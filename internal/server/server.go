// Package server assembles the HTTP API: health probes, version, and the
// workload lifecycle endpoints under /v1.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/harnessworks/conductor/internal/observability"
	"github.com/harnessworks/conductor/internal/server/handlers"
	"github.com/harnessworks/conductor/internal/server/middleware"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// Server is the HTTP API server.
type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
}

// New builds the server. api may be nil; the workload endpoints are then
// not mounted (probe-only mode).
func New(host string, port int, api *handlers.WorkloadAPI) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(chimw.StripSlashes)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", versionHandler)

	if api != nil {
		r.Route("/v1", api.Routes)
	}

	return &Server{host: host, port: port, router: r}
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Timeouts configures the underlying http.Server deadlines. Must be called
// before Start.
func (s *Server) Timeouts(read, write, idle time.Duration) *Server {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down within timeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	if s.http == nil {
		s.http = &http.Server{Addr: s.Addr(), Handler: s.router}
	}

	errCh := make(chan error, 1)
	go func() {
		observability.Logger.Info("HTTP server listening", zap.String("addr", s.Addr()))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	observability.Logger.Info("HTTP server stopped")
	return nil
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "{\"version\":%q}\n", Version)
}
