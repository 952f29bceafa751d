package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/tourweather/internal/cache"
	httphandler "github.com/kjstillabower/tourweather/internal/http"
	"github.com/kjstillabower/tourweather/internal/traffic"
	"github.com/kjstillabower/tourweather/internal/widget"
)

const inFlightCheckInterval = 100 * time.Millisecond

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  `Serve /weather, /locations, /preferences, /health and /metrics until SIGINT or SIGTERM.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return reportError(cmd, runServe(cmd.Context(), a))
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	c, err := build(ctx, cfg, logger, 0)
	if err != nil {
		return err
	}

	// Each location and unit pair gets its own widget so one slow upstream call only
	// holds back requests for that pair.
	widgets := widget.NewPool(c.widget)
	window := traffic.NewWindow(cfg.DegradedWindow)
	handler := httphandler.NewHandler(widgets, &httphandler.HealthConfig{
		Breaker:            c.breaker,
		Store:              c.store,
		Traffic:            window,
		DegradedErrorPct:   cfg.DegradedErrorPct,
		DegradedMinSamples: cfg.DegradedMinSamples,
		Version:            version,
		StartTime:          time.Now(),
	}, logger, cfg.HourlyLimit)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	tracker := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Tracer:         c.tracing.Tracer(),
		Limiter:        limiter,
		Tracker:        tracker,
		RequestTimeout: cfg.RequestTimeout,
	})

	warmCtx, stopWarming := context.WithCancel(ctx)
	defer stopWarming()
	if cfg.WarmingEnabled {
		ids := cfg.WarmingLocations
		if len(ids) == 0 {
			ids = c.registry.IDs()
		}
		warmer := cache.NewWarmer(widgets.Detached(), cfg.WarmingUnits, logger)
		go func() {
			if err := warmer.WarmPeriodic(warmCtx, ids, cfg.WarmingInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		logger.Error("server", zap.Error(err))
		stopWarming()
		_ = c.close(context.Background(), logger)
		return err
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	stopWarming()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", tracker.Count()))
	if err := tracker.WaitForZero(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", tracker.Count()))
	}

	logger.Info("shutdown complete")
	if err := c.close(shutdownCtx, logger); err != nil {
		logger.Debug("close", zap.Error(err))
	}
	return nil
}
