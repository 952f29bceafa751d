package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/cache"
	"github.com/kjstillabower/tourweather/internal/circuitbreaker"
	"github.com/kjstillabower/tourweather/internal/client"
	"github.com/kjstillabower/tourweather/internal/config"
	"github.com/kjstillabower/tourweather/internal/locations"
	"github.com/kjstillabower/tourweather/internal/observability"
	"github.com/kjstillabower/tourweather/internal/store"
	"github.com/kjstillabower/tourweather/internal/widget"
)

const breakerComponent = "forecast_api"

// components is everything a command needs to fetch weather.
type components struct {
	registry *locations.Registry
	store    store.Store
	breaker  *circuitbreaker.CircuitBreaker
	widget   *widget.Widget
	tracing  *observability.Tracing
}

// buildRegistry uses the configured locations, or the built-in ones when none are listed.
func buildRegistry(cfg *config.Config) (*locations.Registry, error) {
	if len(cfg.Locations) == 0 {
		return locations.MustDefault(), nil
	}
	reg, err := locations.New(cfg.Locations)
	if err != nil {
		return nil, fmt.Errorf("locations: %w", err)
	}
	return reg, nil
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Backend:               cfg.StorageBackend,
		Dir:                   cfg.StorageDir,
		MaxValueBytes:         cfg.StorageMaxValueBytes,
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      cfg.MemcachedTimeout,
		MemcachedMaxIdleConns: cfg.MemcachedMaxIdleConns,
		MySQL: store.MySQLConfig{
			DSN:      cfg.MySQLDSN,
			User:     cfg.MySQLUser,
			Password: cfg.MySQLPassword,
			Host:     cfg.MySQLHost,
			Port:     cfg.MySQLPort,
			Database: cfg.MySQLDatabase,
		},
	}
}

// build wires storage, the upstream client and the widget. retries overrides the
// configured attempt count when positive.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, retries int) (*components, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	tracing, err := observability.NewTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.TelemetryEnabled,
		Endpoint:       cfg.TelemetryEndpoint,
		ServiceName:    "tourweather",
		ServiceVersion: version,
		SampleRatio:    cfg.TelemetrySampleRatio,
	})
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		tracing = &observability.Tracing{}
	}

	st, err := store.Open(ctx, storeConfig(cfg))
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	logger.Info("storage backend", zap.String("backend", cfg.StorageBackend))

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.BreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Cooldown:         cfg.BreakerCooldown,
			Component:        breakerComponent,
			Counts:           client.IsBreakerFailure,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(0)
	}

	attempts := cfg.RetryAttempts
	if retries > 0 {
		attempts = retries
	}
	fc, err := client.NewOpenMeteoClient(client.Options{
		BaseURL:        cfg.OpenMeteoURL,
		Timeout:        cfg.OpenMeteoTimeout,
		RetryAttempts:  attempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        breaker,
		Tracer:         tracing.Tracer(),
	})
	if err != nil {
		_ = st.Close()
		_ = tracing.Shutdown(ctx)
		return nil, fmt.Errorf("forecast client: %w", err)
	}

	wc := cache.New(st, cfg.CacheTTL, logger)
	w := widget.New(reg, wc, st, fc, widget.WithLogger(logger), widget.WithTracer(tracing.Tracer()))
	if err := w.Init(ctx); err != nil {
		logger.Warn("widget state not fully loaded", zap.Error(err))
	}

	return &components{
		registry: reg,
		store:    st,
		breaker:  breaker,
		widget:   w,
		tracing:  tracing,
	}, nil
}

// close flushes spans and logs, then releases storage.
func (c *components) close(ctx context.Context, logger *zap.Logger) error {
	var errs []error
	if err := observability.FlushTelemetry(ctx, logger, c.tracing); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
