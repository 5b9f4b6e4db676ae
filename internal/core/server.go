// Package core provides the relay's operations HTTP surface: a chi router
// exposing liveness and counters for whoever supervises the process. It is
// not on the log ingest path.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gelfrelay/internal/types"
)

// shutdownTimeout bounds graceful shutdown of the ops server.
const shutdownTimeout = 10 * time.Second

// StatsFunc returns a JSON-serializable snapshot of relay counters.
type StatsFunc func() any

// Server holds the ops endpoints and their dependencies.
type Server struct {
	Logger       types.Logger
	HealthProbes []HealthProbe
	Stats        StatsFunc

	router *chi.Mux
}

// NewServer creates a Server and mounts its routes.
func NewServer(logger types.Logger, stats StatsFunc, probes ...HealthProbe) *Server {
	if logger == nil {
		logger = types.NopLogger{}
	}
	s := &Server{
		Logger:       logger,
		HealthProbes: probes,
		Stats:        stats,
		router:       chi.NewRouter(),
	}
	s.MountRoutes()
	return s
}

// MountRoutes registers middleware and endpoints. Recoverer is outermost so
// panics in the logger are caught too.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Get("/health", s.HandleHealth)
	s.router.Get("/stats", s.HandleStats)
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HandleStats writes the current counters.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if s.Stats == nil {
		JSON(w, r, http.StatusOK, map[string]any{})
		return
	}
	JSON(w, r, http.StatusOK, s.Stats())
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops server: failed to listen on %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.Logger.Info("ops server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("ops server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Error("ops server shutdown error", "error", err.Error())
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.Logger.Info("ops server stopped")
	return nil
}
