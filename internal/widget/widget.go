// Package widget is the weather widget's fetch path: resolve a location, serve a fresh
// cached payload or fetch a live one, and write the cache through to durable storage.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/cache"
	"github.com/kjstillabower/tourweather/internal/client"
	"github.com/kjstillabower/tourweather/internal/locations"
	"github.com/kjstillabower/tourweather/internal/models"
	"github.com/kjstillabower/tourweather/internal/observability"
	"github.com/kjstillabower/tourweather/internal/store"
)

// ErrFetchInProgress is returned when Fetch is called while another fetch on the same
// widget has not finished. The call is rejected, not queued.
var ErrFetchInProgress = fmt.Errorf("widget: %w", cache.ErrBusy)

const persistTimeout = 5 * time.Second

// Widget owns one cache mapping, one loading flag and one current selection.
// Several widgets may share a Store; the last write of the mapping wins.
type Widget struct {
	registry *locations.Registry
	cache    *cache.WeatherCache
	store    store.Store
	client   client.ForecastClient
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	loading atomic.Bool

	mu        sync.RWMutex
	selection models.Preferences
	loaded    models.Preferences
}

type Option func(*Widget)

// WithClock replaces time.Now for cache freshness and capture times.
func WithClock(now func() time.Time) Option {
	return func(w *Widget) { w.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(w *Widget) { w.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(w *Widget) { w.tracer = tracer }
}

// New creates a widget. The cache must be backed by st; call Init to load persisted state.
func New(registry *locations.Registry, wc *cache.WeatherCache, st store.Store, fc client.ForecastClient, opts ...Option) *Widget {
	w := &Widget{
		registry: registry,
		cache:    wc,
		store:    st,
		client:   fc,
		logger:   zap.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer(""),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	def := registry.Default()
	w.selection = models.Preferences{Units: models.Metric, LocationID: def.ID}
	w.loaded = w.selection
	return w
}

// Init loads the persisted cache mapping and preferences. Unreadable state is discarded;
// only store read errors are returned, and the widget stays usable with empty state.
func (w *Widget) Init(ctx context.Context) error {
	var errs []error
	if err := w.cache.Load(ctx); err != nil {
		errs = append(errs, err)
	}

	prefs, err := cache.LoadPreferences(ctx, w.store)
	if err != nil {
		errs = append(errs, err)
	}
	loc, found := w.registry.Resolve(prefs.LocationID)
	if !found && prefs.LocationID != "" {
		w.logger.Debug("persisted location not in registry", zap.String("location", prefs.LocationID), zap.String("fallback", loc.ID))
	}
	prefs.LocationID = loc.ID

	w.mu.Lock()
	w.selection = prefs
	w.loaded = prefs
	w.mu.Unlock()

	w.logger.Info("widget state loaded",
		zap.Int("cache_entries", w.cache.Len()),
		zap.String("location", prefs.LocationID),
		zap.String("units", string(prefs.Units)))
	return errors.Join(errs...)
}

// Fetch returns weather for a location and unit system. Unknown ids fall back to the
// default location. A fresh cache entry is served without a network call unless
// forceRefresh is set. Errors are *client.FetchError or ErrFetchInProgress.
func (w *Widget) Fetch(ctx context.Context, locationID string, units models.UnitSystem, forceRefresh bool) (models.FetchResult, error) {
	if !w.loading.CompareAndSwap(false, true) {
		observability.WidgetFetchRejectedTotal.Inc()
		return models.FetchResult{}, ErrFetchInProgress
	}
	defer w.loading.Store(false)

	loc := w.resolve(locationID)
	if !units.Valid() {
		units = models.Metric
	}
	key := models.CacheKey(loc.ID, units)
	logger := w.logger.With(zap.String("key", key))

	ctx, span := w.tracer.Start(ctx, "widget.fetch", trace.WithAttributes(
		attribute.String("weather.location", loc.ID),
		attribute.String("weather.units", string(units)),
		attribute.Bool("weather.force_refresh", forceRefresh),
	))
	defer span.End()

	observability.WeatherQueriesByLocationTotal.WithLabelValues(loc.ID).Inc()

	if !forceRefresh {
		if entry, ok := w.cache.Get(key, w.now()); ok {
			logger.Debug("cache hit", zap.Time("captured_at", entry.CapturedAt()))
			observability.WidgetFetchesTotal.WithLabelValues(string(models.SourceCache)).Inc()
			span.SetAttributes(attribute.String("weather.source", string(models.SourceCache)))
			return result(key, loc, units, entry, models.SourceCache), nil
		}
		logger.Debug("cache miss")
	}

	payload, err := w.client.Forecast(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		var fe *client.FetchError
		if !errors.As(err, &fe) {
			fe = &client.FetchError{Message: "Unable to load weather data.", Err: err}
		}
		observability.WidgetFetchesTotal.WithLabelValues("error").Inc()
		observability.RecordSpanError(ctx, fe)
		logger.Warn("weather fetch failed", zap.Int("status_code", fe.StatusCode), zap.Error(fe.Err))
		return models.FetchResult{}, fe
	}

	entry := models.CacheEntry{CapturedAtMillis: w.now().UnixMilli(), Payload: payload}
	w.cache.Put(key, entry)
	res := result(key, loc, units, entry, models.SourceLive)

	// The fetch already succeeded; persistence gets its own deadline even if ctx is done.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if perr := w.cache.Persist(persistCtx); perr != nil {
		res.PersistErr = perr
		observability.CachePersistFailuresTotal.Inc()
		logger.Warn("cache persist failed", zap.Error(perr))
	}

	observability.WidgetFetchesTotal.WithLabelValues(string(models.SourceLive)).Inc()
	span.SetAttributes(
		attribute.String("weather.source", string(models.SourceLive)),
		attribute.Bool("weather.persisted", res.Persisted()),
	)
	return res, nil
}

// Select records the current selection and persists it as the preferences.
// The selection changes even when persisting fails; the error wraps store.ErrPersist.
func (w *Widget) Select(ctx context.Context, locationID string, units models.UnitSystem) (models.Preferences, error) {
	loc := w.resolve(locationID)
	if !units.Valid() {
		units = models.Metric
	}
	prefs := models.Preferences{Units: units, LocationID: loc.ID}

	w.mu.Lock()
	w.selection = prefs
	w.mu.Unlock()

	if err := cache.SavePreferences(ctx, w.store, prefs); err != nil {
		w.logger.Warn("preferences persist failed", zap.Error(err))
		return prefs, err
	}
	return prefs, nil
}

// Selection returns the current selection.
func (w *Widget) Selection() models.Preferences {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.selection
}

// Preferences returns the preferences as loaded by Init.
func (w *Widget) Preferences() models.Preferences {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loaded
}

// IsCurrent reports whether r matches the current selection. A result for a
// selection that has since changed should be discarded by the caller.
func (w *Widget) IsCurrent(r models.FetchResult) bool {
	sel := w.Selection()
	return r.Key == models.CacheKey(sel.LocationID, sel.Units)
}

// IsLoading reports whether a fetch is in flight.
func (w *Widget) IsLoading() bool {
	return w.loading.Load()
}

// Registry returns the location registry the widget resolves against.
func (w *Widget) Registry() *locations.Registry {
	return w.registry
}

// Cache exposes the mapping for diagnostics.
func (w *Widget) Cache() *cache.WeatherCache {
	return w.cache
}

func (w *Widget) resolve(id string) models.Location {
	loc, found := w.registry.Resolve(id)
	if !found && id != "" {
		w.logger.Debug("unknown location, using default", zap.String("location", id), zap.String("default", loc.ID))
	}
	return loc
}

func result(key string, loc models.Location, units models.UnitSystem, entry models.CacheEntry, src models.Source) models.FetchResult {
	return models.FetchResult{
		Key:        key,
		Location:   loc,
		Units:      units,
		Payload:    entry.Payload,
		Source:     src,
		CapturedAt: entry.CapturedAt(),
	}
}

// sibling returns a widget sharing w's registry, cache, store, client, logger, tracer and
// clock, with its own loading flag and a copy of the selection.
func (w *Widget) sibling() *Widget {
	s := &Widget{
		registry: w.registry,
		cache:    w.cache,
		store:    w.store,
		client:   w.client,
		logger:   w.logger,
		tracer:   w.tracer,
		now:      w.now,
	}
	w.mu.RLock()
	s.selection, s.loaded = w.selection, w.loaded
	w.mu.RUnlock()
	return s
}
