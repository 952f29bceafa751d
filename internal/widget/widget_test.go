package widget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/tourweather/internal/cache"
	"github.com/kjstillabower/tourweather/internal/client"
	"github.com/kjstillabower/tourweather/internal/locations"
	"github.com/kjstillabower/tourweather/internal/models"
	"github.com/kjstillabower/tourweather/internal/store"
)

type fakeClient struct {
	calls   atomic.Int32
	temp    atomic.Int64
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeClient) Forecast(ctx context.Context, lat, lon float64) (models.WeatherPayload, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return models.WeatherPayload{}, f.err
	}
	return models.WeatherPayload{
		Latitude:  lat,
		Longitude: lon,
		Current:   models.CurrentConditions{Temperature2m: float64(f.temp.Load())},
	}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingSetStore struct {
	*store.MemoryStore
}

func (f failingSetStore) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("quota exceeded")
}

type fixture struct {
	widget *Widget
	client *fakeClient
	clock  *clock
	store  store.Store
}

func newFixture(t *testing.T, st store.Store, opts ...Option) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	fc := &fakeClient{}
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	wc := cache.New(st, cache.DefaultTTL, nil)
	opts = append([]Option{WithClock(clk.now)}, opts...)
	w := New(locations.MustDefault(), wc, st, fc, opts...)
	return &fixture{widget: w, client: fc, clock: clk, store: st}
}

// TestFetch_WithinTTLServedFromCache verifies two fetches inside the TTL make one network
// call and the second returns the identical payload from cache.
func TestFetch_WithinTTLServedFromCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.client.temp.Store(21)

	first, err := f.widget.Fetch(ctx, "lisbon", models.Metric, false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLive, first.Source)
	assert.True(t, first.Persisted())

	f.client.temp.Store(30)
	f.clock.advance(5 * time.Minute)
	second, err := f.widget.Fetch(ctx, "lisbon", models.Metric, false)
	require.NoError(t, err)

	assert.Equal(t, models.SourceCache, second.Source)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, first.CapturedAt, second.CapturedAt)
	assert.EqualValues(t, 1, f.client.calls.Load())
}

func TestFetch_ForceRefreshAlwaysCallsNetwork(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.widget.Fetch(ctx, "porto", models.Imperial, true)
		require.NoError(t, err)
		assert.Equal(t, models.SourceLive, res.Source)
	}
	assert.EqualValues(t, 3, f.client.calls.Load())
}

// TestFetch_ExpiredEntryRefetched verifies an entry older than the TTL is refetched and overwritten,
// while an entry exactly TTL old still counts as fresh.
func TestFetch_ExpiredEntryRefetched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.client.temp.Store(10)

	first, err := f.widget.Fetch(ctx, "madrid", models.Metric, false)
	require.NoError(t, err)

	f.clock.advance(cache.DefaultTTL)
	atBoundary, err := f.widget.Fetch(ctx, "madrid", models.Metric, false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, atBoundary.Source)

	f.client.temp.Store(12)
	f.clock.advance(time.Millisecond)
	refreshed, err := f.widget.Fetch(ctx, "madrid", models.Metric, false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLive, refreshed.Source)
	assert.EqualValues(t, 2, f.client.calls.Load())
	assert.True(t, refreshed.CapturedAt.After(first.CapturedAt))

	entry, ok := f.widget.Cache().Peek(first.Key)
	require.True(t, ok)
	assert.Equal(t, 12.0, entry.Payload.Current.Temperature2m)
}

// TestFetch_FailureLeavesCacheUntouched verifies a failed fetch returns a FetchError and the
// existing entry is neither removed nor modified.
func TestFetch_FailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.client.temp.Store(18)

	good, err := f.widget.Fetch(ctx, "faro", models.Metric, false)
	require.NoError(t, err)

	f.client.err = &client.FetchError{Message: "Unable to load weather data (HTTP 503).", StatusCode: 503, Err: client.ErrUpstreamFailure}
	_, err = f.widget.Fetch(ctx, "faro", models.Metric, true)
	require.Error(t, err)

	var fe *client.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 503, fe.StatusCode)
	assert.ErrorIs(t, err, client.ErrUpstreamFailure)

	entry, ok := f.widget.Cache().Peek(good.Key)
	require.True(t, ok)
	assert.Equal(t, good.Payload, entry.Payload)
	assert.Equal(t, good.CapturedAt, entry.CapturedAt())
	assert.False(t, f.widget.IsLoading(), "loading flag must be cleared after a failure")
}

func TestFetch_PlainClientErrorWrapped(t *testing.T) {
	f := newFixture(t, nil)
	cause := errors.New("boom")
	f.client.err = cause

	_, err := f.widget.Fetch(context.Background(), "lisbon", models.Metric, false)
	var fe *client.FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, cause)
	assert.NotEmpty(t, fe.Message)
}

// TestFetch_PersistFailureStillSucceeds verifies a write-through failure is reported on the
// result, logged at warn and does not fail the fetch.
func TestFetch_PersistFailureStillSucceeds(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	st := failingSetStore{store.NewMemoryStore()}
	f := newFixture(t, st, WithLogger(zap.New(core)))

	res, err := f.widget.Fetch(context.Background(), "seville", models.Metric, false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLive, res.Source)
	assert.False(t, res.Persisted())
	assert.Equal(t, 1, logs.FilterMessage("cache persist failed").Len())

	_, err = f.widget.Fetch(context.Background(), "seville", models.Metric, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.client.calls.Load(), "in-memory entry still serves within TTL")
}

// TestFetch_RejectsConcurrentFetch verifies the second call while one is in flight is
// rejected without touching the cache or network.
func TestFetch_RejectsConcurrentFetch(t *testing.T) {
	f := newFixture(t, nil)
	f.client.block = make(chan struct{})
	f.client.started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.widget.Fetch(context.Background(), "lisbon", models.Metric, false)
		done <- err
	}()
	<-f.client.started
	assert.True(t, f.widget.IsLoading())

	_, err := f.widget.Fetch(context.Background(), "porto", models.Metric, false)
	assert.ErrorIs(t, err, ErrFetchInProgress)
	assert.ErrorIs(t, err, cache.ErrBusy)

	close(f.client.block)
	require.NoError(t, <-done)
	assert.False(t, f.widget.IsLoading())
	assert.EqualValues(t, 1, f.client.calls.Load())
}

func TestFetch_UnknownLocationFallsBack(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.widget.Fetch(context.Background(), "atlantis", "", false)
	require.NoError(t, err)
	def := locations.MustDefault().Default()
	assert.Equal(t, def, res.Location)
	assert.Equal(t, models.CacheKey(def.ID, models.Metric), res.Key)
	assert.Equal(t, def.Latitude, res.Payload.Latitude)
}

// TestFetch_UnitsShareNoEntry verifies metric and imperial are cached under separate keys.
func TestFetch_UnitsShareNoEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.widget.Fetch(ctx, "lisbon", models.Metric, false)
	require.NoError(t, err)
	res, err := f.widget.Fetch(ctx, "lisbon", models.Imperial, false)
	require.NoError(t, err)

	assert.Equal(t, models.SourceLive, res.Source)
	assert.Equal(t, "lisbon_imperial", res.Key)
	assert.Equal(t, 2, f.widget.Cache().Len())
}

func TestSelect_IsCurrentAndPersistence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.widget.Fetch(ctx, "lisbon", models.Metric, false)
	require.NoError(t, err)
	assert.True(t, f.widget.IsCurrent(res), "default selection is the default location in metric")

	prefs, err := f.widget.Select(ctx, "porto", models.Imperial)
	require.NoError(t, err)
	assert.Equal(t, models.Preferences{Units: models.Imperial, LocationID: "porto"}, prefs)
	assert.False(t, f.widget.IsCurrent(res), "superseded result")

	// A second widget over the same store picks up both the mapping and the preferences.
	other := New(locations.MustDefault(), cache.New(f.store, 0, nil), f.store, f.client, WithClock(f.clock.now))
	require.NoError(t, other.Init(ctx))
	assert.Equal(t, prefs, other.Preferences())
	assert.Equal(t, prefs, other.Selection())

	cached, err := other.Fetch(ctx, "lisbon", models.Metric, false)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, cached.Source)
	assert.EqualValues(t, 1, f.client.calls.Load())
}

func TestSelect_PersistFailureKeepsSelection(t *testing.T) {
	f := newFixture(t, failingSetStore{store.NewMemoryStore()})

	prefs, err := f.widget.Select(context.Background(), "faro", models.Imperial)
	require.Error(t, err)
	assert.Equal(t, prefs, f.widget.Selection())
}

func TestInit_UnknownPersistedLocation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, cache.SavePreferences(ctx, st, models.Preferences{Units: models.Imperial, LocationID: "gone"}))

	f := newFixture(t, st)
	require.NoError(t, f.widget.Init(ctx))
	sel := f.widget.Selection()
	assert.Equal(t, models.Imperial, sel.Units)
	assert.Equal(t, locations.MustDefault().Default().ID, sel.LocationID)
}
