package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/models"
	"github.com/kjstillabower/tourweather/internal/store"
)

// Storage keys for the serialized cache mapping and the widget preferences.
const (
	StorageKeyCache       = "weather_cache"
	StorageKeyPreferences = "weather_prefs"
)

// DefaultTTL is how long a captured payload is served without refetching.
const DefaultTTL = 10 * time.Minute

// WeatherCache maps cache keys to captured payloads and mirrors the whole mapping to a Store.
// Stale entries are kept until overwritten; Get ignores them.
type WeatherCache struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry

	// persistMu orders snapshot and write so an older snapshot never lands last.
	persistMu sync.Mutex

	ttl    time.Duration
	store  store.Store
	logger *zap.Logger
}

// New creates an empty WeatherCache. A ttl <= 0 uses DefaultTTL. logger may be nil.
func New(st store.Store, ttl time.Duration, logger *zap.Logger) *WeatherCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherCache{
		entries: make(map[string]models.CacheEntry),
		ttl:     ttl,
		store:   st,
		logger:  logger,
	}
}

// TTL returns the freshness window.
func (c *WeatherCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for key if present and fresh at now.
func (c *WeatherCache) Get(key string, now time.Time) (models.CacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !entry.FreshAt(now, c.ttl) {
		return models.CacheEntry{}, false
	}
	return entry, true
}

// Peek returns the entry for key regardless of age.
func (c *WeatherCache) Peek(key string) (models.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Put replaces the entry for key in memory. Call Persist to write it through.
func (c *WeatherCache) Put(key string, entry models.CacheEntry) {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Len returns the number of entries, stale ones included.
func (c *WeatherCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of the mapping.
func (c *WeatherCache) Snapshot() map[string]models.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.CacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Load replaces the in-memory mapping with the persisted one. A missing or unreadable blob
// leaves the cache empty; only a store read error is returned.
func (c *WeatherCache) Load(ctx context.Context) error {
	raw, ok, err := c.store.Get(ctx, StorageKeyCache)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	loaded := make(map[string]models.CacheEntry)
	if ok {
		if err := json.Unmarshal(raw, &loaded); err != nil {
			c.logger.Warn("discarding unreadable persisted cache", zap.Error(err))
			loaded = make(map[string]models.CacheEntry)
		}
	}
	c.mu.Lock()
	c.entries = loaded
	c.mu.Unlock()
	c.logger.Debug("cache loaded", zap.Int("entries", len(loaded)))
	return nil
}

// Persist writes the full mapping to the store. Failures wrap store.ErrPersist.
// Concurrent calls are serialized.
func (c *WeatherCache) Persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.RLock()
	raw, err := json.Marshal(c.entries)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: encode cache: %w", store.ErrPersist, err)
	}
	return c.store.Set(ctx, StorageKeyCache, raw)
}

// LoadPreferences reads persisted preferences. Missing or unreadable data yields the zero value
// with metric units; an unknown unit string falls back to metric.
func LoadPreferences(ctx context.Context, st store.Store) (models.Preferences, error) {
	prefs := models.Preferences{Units: models.Metric}
	raw, ok, err := st.Get(ctx, StorageKeyPreferences)
	if err != nil {
		return prefs, fmt.Errorf("load preferences: %w", err)
	}
	if !ok {
		return prefs, nil
	}
	var stored models.Preferences
	if err := json.Unmarshal(raw, &stored); err != nil {
		return prefs, nil
	}
	if units, err := models.ParseUnitSystem(string(stored.Units)); err == nil {
		prefs.Units = units
	}
	prefs.LocationID = stored.LocationID
	return prefs, nil
}

// SavePreferences persists prefs. Failures wrap store.ErrPersist.
func SavePreferences(ctx context.Context, st store.Store, prefs models.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("%w: encode preferences: %w", store.ErrPersist, err)
	}
	return st.Set(ctx, StorageKeyPreferences, raw)
}
