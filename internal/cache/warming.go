package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/models"
	"github.com/kjstillabower/tourweather/internal/observability"
)

// ErrBusy is returned by a Fetcher that refuses to start a fetch while another is in flight.
var ErrBusy = errors.New("fetch already in progress")

// Fetcher is implemented by the widget. Declared here to avoid an import cycle.
type Fetcher interface {
	Fetch(ctx context.Context, locationID string, units models.UnitSystem, forceRefresh bool) (models.FetchResult, error)
}

// Warmer prefetches a list of locations so the first user request is served from cache.
type Warmer struct {
	fetcher Fetcher
	units   []models.UnitSystem
	logger  *zap.Logger
}

// NewWarmer creates a Warmer for the given unit systems (metric when empty). logger may be nil.
func NewWarmer(fetcher Fetcher, units []models.UnitSystem, logger *zap.Logger) *Warmer {
	if len(units) == 0 {
		units = []models.UnitSystem{models.Metric}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, units: units, logger: logger}
}

// Warm fetches every location and unit pair in turn. Fresh entries are not refetched.
// The widget admits one fetch at a time, so pairs are fetched sequentially; a pair rejected
// because a user fetch is in flight is skipped rather than counted as an error.
// Returns an aggregate of the failures.
func (w *Warmer) Warm(ctx context.Context, locationIDs []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locationIDs)), zap.Int("unit_systems", len(w.units)))

	var errs []error
	live, skipped := 0, 0
locations:
	for _, id := range locationIDs {
		for _, units := range w.units {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break locations
			}
			res, err := w.fetcher.Fetch(ctx, id, units, false)
			switch {
			case errors.Is(err, ErrBusy):
				skipped++
			case err != nil:
				errs = append(errs, fmt.Errorf("warm %s: %w", models.CacheKey(id, units), err))
			case res.Source == models.SourceLive:
				live++
			}
		}
	}

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("fetched", live),
		zap.Int("skipped", skipped),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then repeats at interval until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, locationIDs []string, interval time.Duration) error {
	if err := w.Warm(ctx, locationIDs); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, locationIDs); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
