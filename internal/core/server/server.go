// Package server wires the HTTP surface and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/facility-index/internal/core/config"
	"github.com/mohammed-shakir/facility-index/internal/core/health"
	middleware "github.com/mohammed-shakir/facility-index/internal/core/middleware"
	"github.com/mohammed-shakir/facility-index/internal/core/router"
	"github.com/mohammed-shakir/facility-index/internal/report"
)

// NewHandler builds the router. metrics may be nil.
func NewHandler(cfg config.Config, logger *slog.Logger, api *router.API, ready health.ReadinessReporter, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	if report.Enabled() {
		r.Use(middleware.Sentry())
	}
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(ready))
	if metrics != nil && cfg.MetricsEnabled {
		r.Handle(cfg.MetricsPath, metrics)
	}
	api.Mount(r)
	return r
}

// Run serves h on cfg.Addr until ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, h http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
