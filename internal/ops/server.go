// SPDX-License-Identifier: MIT

// Package ops exposes the station diagnostics endpoint: liveness and
// readiness probes, a JSON status snapshot and Prometheus metrics. The
// endpoint binds to the maintenance network, separate from broker traffic.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/health"
	"github.com/vacworks/stationd/internal/log"
	"github.com/vacworks/stationd/internal/ota"
	"github.com/vacworks/stationd/internal/station"
)

const (
	// DefaultRequestLimit caps requests per client IP per minute.
	DefaultRequestLimit = 120

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Config wires the server to the station state it reports.
type Config struct {
	Listen string
	Health *health.Manager

	// Station supplies the point-in-time snapshot served on /status.
	Station func() station.Snapshot

	// Update supplies the firmware update state; nil when updates are
	// disabled, which omits the field from /status.
	Update func() ota.Snapshot

	// RequestLimit overrides DefaultRequestLimit when positive.
	RequestLimit int
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg     Config
	logger  zerolog.Logger
	handler http.Handler
	srv     *http.Server
}

// New validates the config and builds the server without binding the listener.
func New(cfg Config) (*Server, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("ops: listen address required")
	}
	if cfg.Health == nil {
		return nil, fmt.Errorf("ops: health manager required")
	}
	if cfg.Station == nil {
		return nil, fmt.Errorf("ops: station snapshot source required")
	}
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = DefaultRequestLimit
	}

	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent("ops"),
	}
	s.handler = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Recoverer outermost, request ID before anything that logs.
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(RateLimit(s.cfg.RequestLimit, time.Minute))

	r.Get("/healthz", s.cfg.Health.ServeHealth)
	r.Get("/readyz", s.cfg.Health.ServeReady)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// Handler returns the assembled route tree.
func (s *Server) Handler() http.Handler {
	return s.handler
}

type statusResponse struct {
	station.Snapshot
	Update *ota.Snapshot `json:"update,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Snapshot: s.cfg.Station()}
	if s.cfg.Update != nil {
		snap := s.cfg.Update()
		resp.Update = &snap
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := log.WithContext(r.Context(), s.logger)
		logger.Error().Err(err).Str(log.FieldEvent, "ops.status.encode_error").Msg("failed to encode status response")
	}
}

// Run serves until ctx is canceled, then drains in-flight requests within
// shutdownTimeout. The listener failing is returned as an error; a clean
// shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info().
			Str("addr", s.srv.Addr).
			Msg("ops endpoint listening")

		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("ops server: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down ops endpoint")
		// Bounded shutdown context independent from caller cancellation.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
