// Package health serves the daemon's read-only local surface: a liveness
// probe, a status snapshot, and the prometheus registry. It never mutates
// engine state and is disabled entirely when server.enabled is false.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/config"
	"github.com/meshalign/alignd/internal/engine"
)

const shutdownTimeout = 5 * time.Second

// StatusProvider supplies the snapshot served on /status. The engine
// satisfies it.
type StatusProvider interface {
	Status() engine.Status
}

// Server is the local status listener.
type Server struct {
	cfg     config.ServerConfig
	log     *zap.Logger
	status  StatusProvider
	metrics http.Handler
}

// New builds the server. metrics may be nil, in which case /metrics
// answers 404.
func New(cfg config.ServerConfig, status StatusProvider, metrics http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		log:     log.Named("health"),
		status:  status,
		metrics: metrics,
	}
}

// Handler returns the route tree. Exposed separately from Run so tests can
// drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
// Cancellation is a clean exit.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.log.Info("status server listening", zap.String("addr", s.cfg.Listen))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("status server shutdown", zap.Error(err))
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.status.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
