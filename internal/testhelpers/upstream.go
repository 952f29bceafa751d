// Package testhelpers provides a fake Open-Meteo upstream and widget wiring for
// tests of the http and cmd packages.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/cache"
	"github.com/kjstillabower/tourweather/internal/client"
	"github.com/kjstillabower/tourweather/internal/locations"
	"github.com/kjstillabower/tourweather/internal/store"
	"github.com/kjstillabower/tourweather/internal/widget"
)

// ForecastBody is a two-hour Open-Meteo forecast response in metric units.
const ForecastBody = `{
  "latitude": 38.72,
  "longitude": -9.14,
  "timezone": "Europe/Lisbon",
  "current": {
    "time": "2024-06-01T12:00",
    "interval": 900,
    "temperature_2m": 20.0,
    "relative_humidity_2m": 55,
    "apparent_temperature": 19.5,
    "weather_code": 0,
    "wind_speed_10m": 10.0
  },
  "hourly": {
    "time": ["2024-06-01T12:00", "2024-06-01T13:00"],
    "temperature_2m": [20.0, 21.0],
    "relative_humidity_2m": [55, 52],
    "apparent_temperature": [19.5, 20.4],
    "weather_code": [0, 95],
    "wind_speed_10m": [10.0, 12.0]
  }
}`

// FakeOpenMeteo is an httptest server answering forecast requests. It serves
// ForecastBody with 200 until SetStatus selects another status.
type FakeOpenMeteo struct {
	server *httptest.Server
	calls  atomic.Int32
	status atomic.Int32
	block  chan struct{}

	mu        sync.Mutex
	lastQuery url.Values
}

// NewFakeOpenMeteo starts a fake upstream that is closed when the test ends.
func NewFakeOpenMeteo(t testing.TB) *FakeOpenMeteo {
	t.Helper()
	f := &FakeOpenMeteo{}
	f.status.Store(http.StatusOK)
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *FakeOpenMeteo) serve(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastQuery = r.URL.Query()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}

	status := int(f.status.Load())
	if status != http.StatusOK {
		http.Error(w, `{"error":true,"reason":"simulated failure"}`, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(ForecastBody))
}

// URL is the base URL to configure the client with.
func (f *FakeOpenMeteo) URL() string { return f.server.URL }

// Calls returns how many requests reached the server.
func (f *FakeOpenMeteo) Calls() int { return int(f.calls.Load()) }

// SetStatus makes later requests answer with code (200 restores the forecast body).
func (f *FakeOpenMeteo) SetStatus(code int) { f.status.Store(int32(code)) }

// Block holds every later request until the returned release func is called.
func (f *FakeOpenMeteo) Block() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.block = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

// LastQuery returns the query string of the most recent request.
func (f *FakeOpenMeteo) LastQuery() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

// NewWidget wires a widget with the default registry, a 10 minute TTL and a
// single-attempt client pointed at upstreamURL. st may be nil for a memory store.
func NewWidget(t testing.TB, upstreamURL string, st store.Store, opts ...widget.Option) *widget.Widget {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	fc, err := client.NewOpenMeteoClient(client.Options{
		BaseURL:       upstreamURL,
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
	})
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	wc := cache.New(st, cache.DefaultTTL, zap.NewNop())
	return widget.New(locations.MustDefault(), wc, st, fc, opts...)
}
