package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/tourweather/internal/cache"
	"github.com/kjstillabower/tourweather/internal/circuitbreaker"
	"github.com/kjstillabower/tourweather/internal/models"
	"github.com/kjstillabower/tourweather/internal/present"
	"github.com/kjstillabower/tourweather/internal/store"
	"github.com/kjstillabower/tourweather/internal/testhelpers"
	"github.com/kjstillabower/tourweather/internal/traffic"
	"github.com/kjstillabower/tourweather/internal/widget"
)

// failingStore accepts reads but rejects every write, like a full quota.
type failingStore struct {
	*store.MemoryStore
}

func (f failingStore) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("quota exceeded")
}

// pingStore is a memory store whose Ping returns err.
type pingStore struct {
	*store.MemoryStore
	err error
}

func (p pingStore) Ping(ctx context.Context) error { return p.err }

type testEnv struct {
	upstream *testhelpers.FakeOpenMeteo
	handler  *Handler
	router   *mux.Router
	traffic  *traffic.Window
}

// newTestEnv wires a handler against a fake upstream. st and hc may be nil.
func newTestEnv(t *testing.T, st store.Store, hc *HealthConfig, logger *zap.Logger) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	if hc == nil {
		hc = &HealthConfig{}
	}
	if hc.Store == nil {
		hc.Store = st
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	upstream := testhelpers.NewFakeOpenMeteo(t)
	w := testhelpers.NewWidget(t, upstream.URL(), st)
	h := NewHandler(widget.NewPool(w), hc, logger, 0)
	return &testEnv{
		upstream: upstream,
		handler:  h,
		router:   NewRouter(h, RouterConfig{Logger: logger}),
		traffic:  hc.Traffic,
	}
}

func (e *testEnv) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

// TestHandler_GetWeather_LiveThenCache verifies the first request goes upstream and the
// second is served from cache without another upstream call.
func TestHandler_GetWeather_LiveThenCache(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	w := env.do("GET", "/weather/lisbon", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first GET status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "live" {
		t.Errorf("first X-Cache = %q, want live", got)
	}
	var view present.View
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Location.ID != "lisbon" || view.Source != models.SourceLive {
		t.Errorf("view = %+v, want lisbon live", view)
	}
	if view.Current.Condition.Label != "Clear sky" {
		t.Errorf("current condition = %q, want Clear sky", view.Current.Condition.Label)
	}
	if len(view.Hourly) != 2 {
		t.Errorf("hourly rows = %d, want 2", len(view.Hourly))
	}

	w = env.do("GET", "/weather/lisbon", nil)
	if got := w.Header().Get("X-Cache"); got != "cache" {
		t.Errorf("second X-Cache = %q, want cache", got)
	}
	if env.upstream.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", env.upstream.Calls())
	}
	if c := env.traffic.Counts(); c.Success != 2 {
		t.Errorf("traffic success = %d, want 2", c.Success)
	}
}

// TestHandler_GetWeather_ImperialAndRefresh verifies unit conversion happens locally and
// refresh=true bypasses a fresh entry.
func TestHandler_GetWeather_ImperialAndRefresh(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	w := env.do("GET", "/weather/porto?units=imperial", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var view present.View
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Current.Temperature != 68 {
		t.Errorf("temperature = %v, want 68 (20°C)", view.Current.Temperature)
	}
	if view.Units.System != models.Imperial {
		t.Errorf("units = %q, want imperial", view.Units.System)
	}
	if q := env.upstream.LastQuery(); q.Get("temperature_unit") != "" || q.Get("wind_speed_unit") != "" {
		t.Errorf("upstream query carried unit parameters: %v", q)
	}

	w = env.do("GET", "/weather/porto?units=imperial&refresh=true", nil)
	if got := w.Header().Get("X-Cache"); got != "live" {
		t.Errorf("refresh X-Cache = %q, want live", got)
	}
	if env.upstream.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", env.upstream.Calls())
	}
}

// TestHandler_GetWeather_UnknownLocationFallsBack verifies a syntactically valid but
// unregistered id is served for the default location.
func TestHandler_GetWeather_UnknownLocationFallsBack(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	w := env.do("GET", "/weather/atlantis", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var view present.View
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Location.ID != "lisbon" {
		t.Errorf("location = %q, want default lisbon", view.Location.ID)
	}
}

// TestHandler_GetWeather_BadInput verifies 400 responses for malformed query input.
func TestHandler_GetWeather_BadInput(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantCode string
	}{
		{"invalid chars", "/weather/lis%25bon", "INVALID_LOCATION"},
		{"too long", "/weather/" + strings.Repeat("a", 65), "INVALID_LOCATION"},
		{"bad units", "/weather/lisbon?units=kelvin", "INVALID_UNITS"},
		{"bad refresh", "/weather/lisbon?refresh=maybe", "INVALID_REFRESH"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil, nil)
			w := env.do("GET", tc.target, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decodeError(t, w).Error.Code; got != tc.wantCode {
				t.Errorf("code = %q, want %q", got, tc.wantCode)
			}
			if env.upstream.Calls() != 0 {
				t.Errorf("upstream called %d times for invalid input", env.upstream.Calls())
			}
		})
	}
}

// TestHandler_GetWeather_UpstreamFailure verifies a failed fetch maps to 503 with the
// fetch error's message and the correlation id as requestId.
func TestHandler_GetWeather_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	env.upstream.SetStatus(http.StatusInternalServerError)

	req := httptest.NewRequest("GET", "/weather/lisbon", nil)
	req.Header.Set("X-Correlation-ID", "corr-503")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	body := decodeError(t, w)
	if body.Error.Code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("code = %q, want UPSTREAM_UNAVAILABLE", body.Error.Code)
	}
	if body.Error.Message != "Unable to load weather data (HTTP 500)." {
		t.Errorf("message = %q", body.Error.Message)
	}
	if body.Error.RequestID != "corr-503" {
		t.Errorf("requestId = %q, want corr-503", body.Error.RequestID)
	}
	if env.handler.widgets.Primary().Cache().Len() != 0 {
		t.Error("failed fetch wrote to the cache")
	}
	if c := env.traffic.Counts(); c.Failure != 1 {
		t.Errorf("traffic failure = %d, want 1", c.Failure)
	}
}

// waitLoading blocks until the widget for locationID starts a fetch.
func waitLoading(t *testing.T, env *testEnv, locationID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !env.handler.widgets.For(locationID, models.Metric).IsLoading() {
		if time.Now().After(deadline) {
			t.Fatal("first fetch never started")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestHandler_GetWeather_FetchInProgress verifies a second request for a key that is
// loading is rejected with 409 instead of queued.
func TestHandler_GetWeather_FetchInProgress(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	release := env.upstream.Block()
	defer release()

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- env.do("GET", "/weather/lisbon", nil) }()
	waitLoading(t, env, "lisbon")

	w := env.do("GET", "/weather/lisbon", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("concurrent status = %d, want 409", w.Code)
	}
	if got := decodeError(t, w).Error.Code; got != "FETCH_IN_PROGRESS" {
		t.Errorf("code = %q, want FETCH_IN_PROGRESS", got)
	}

	release()
	if w := <-first; w.Code != http.StatusOK {
		t.Errorf("first status = %d, want 200", w.Code)
	}
	if c := env.traffic.Counts(); c.Rejected != 1 || c.Success != 1 {
		t.Errorf("traffic = %+v, want one rejected and one success", c)
	}
}

// TestHandler_GetWeather_OtherKeysNotBlocked verifies that while one key is loading a
// fresh cached key is still served and a different uncached key starts its own fetch.
func TestHandler_GetWeather_OtherKeysNotBlocked(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	if w := env.do("GET", "/weather/porto", nil); w.Code != http.StatusOK {
		t.Fatalf("warm porto status = %d, want 200", w.Code)
	}

	release := env.upstream.Block()
	defer release()
	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- env.do("GET", "/weather/lisbon?refresh=true", nil) }()
	waitLoading(t, env, "lisbon")

	w := env.do("GET", "/weather/porto", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cached porto status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "cache" {
		t.Errorf("X-Cache = %q, want cache", got)
	}

	second := make(chan *httptest.ResponseRecorder, 1)
	go func() { second <- env.do("GET", "/weather/madrid", nil) }()
	waitLoading(t, env, "madrid")

	release()
	for name, ch := range map[string]chan *httptest.ResponseRecorder{"lisbon": first, "madrid": second} {
		if w := <-ch; w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", name, w.Code)
		}
	}
	if c := env.traffic.Counts(); c.Rejected != 0 || c.Success != 4 {
		t.Errorf("traffic = %+v, want four successes", c)
	}
}

// TestHandler_GetWeather_PersistFailureHeader verifies the fetch succeeds when the store
// rejects the write and the response says so.
func TestHandler_GetWeather_PersistFailureHeader(t *testing.T) {
	env := newTestEnv(t, failingStore{store.NewMemoryStore()}, nil, nil)

	w := env.do("GET", "/weather/lisbon", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Cache-Persist"); got != "failed" {
		t.Errorf("X-Cache-Persist = %q, want failed", got)
	}

	w = env.do("GET", "/weather/lisbon", nil)
	if got := w.Header().Get("X-Cache"); got != "cache" {
		t.Errorf("X-Cache = %q, want in-memory entry served from cache", got)
	}
}

func TestHandler_GetLocations(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	w := env.do("GET", "/locations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Default   string            `json:"default"`
		Locations []models.Location `json:"locations"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Default != "lisbon" {
		t.Errorf("default = %q, want lisbon", body.Default)
	}
	if len(body.Locations) != 6 {
		t.Errorf("locations = %d, want 6", len(body.Locations))
	}
}

// TestHandler_Preferences verifies PUT selects and persists, and GET reflects it.
func TestHandler_Preferences(t *testing.T) {
	st := store.NewMemoryStore()
	env := newTestEnv(t, st, nil, nil)

	w := env.do("PUT", "/preferences", strings.NewReader(`{"units":"imperial","locationId":"Faro"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Preferences-Persist") != "" {
		t.Error("unexpected persist failure header")
	}

	w = env.do("GET", "/preferences", nil)
	var prefs models.Preferences
	if err := json.NewDecoder(w.Body).Decode(&prefs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := models.Preferences{Units: models.Imperial, LocationID: "faro"}
	if prefs != want {
		t.Errorf("preferences = %+v, want %+v", prefs, want)
	}
	if _, ok, _ := st.Get(context.Background(), cache.StorageKeyPreferences); !ok {
		t.Error("preferences were not written to the store")
	}
}

func TestHandler_PutPreferences_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"not json", `units=metric`, "INVALID_BODY"},
		{"unknown field", `{"units":"metric","locationId":"faro","theme":"dark"}`, "INVALID_BODY"},
		{"bad units", `{"units":"kelvin","locationId":"faro"}`, "INVALID_UNITS"},
		{"missing location", `{"units":"metric"}`, "INVALID_LOCATION"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil, nil)
			w := env.do("PUT", "/preferences", strings.NewReader(tc.body))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decodeError(t, w).Error.Code; got != tc.wantCode {
				t.Errorf("code = %q, want %q", got, tc.wantCode)
			}
		})
	}
}

func TestHandler_PutPreferences_PersistFailure(t *testing.T) {
	env := newTestEnv(t, failingStore{store.NewMemoryStore()}, nil, nil)

	w := env.do("PUT", "/preferences", strings.NewReader(`{"units":"metric","locationId":"porto"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Preferences-Persist"); got != "failed" {
		t.Errorf("X-Preferences-Persist = %q, want failed", got)
	}
	if sel := env.handler.widgets.Primary().Selection(); sel.LocationID != "porto" {
		t.Errorf("selection = %+v, want porto despite persist failure", sel)
	}
}

type healthBody struct {
	Status string            `json:"status"`
	Reason string            `json:"reason"`
	Checks map[string]string `json:"checks"`
}

func getHealth(t *testing.T, env *testEnv) (int, healthBody) {
	t.Helper()
	w := env.do("GET", "/health", nil)
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

// TestHandler_GetHealth_Statuses verifies each degraded cause and the shutting-down override.
func TestHandler_GetHealth_Statuses(t *testing.T) {
	openBreaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	_ = openBreaker.Call(context.Background(), func(context.Context) error { return errors.New("boom") })

	busyWindow := traffic.NewWindow(time.Minute)
	for i := 0; i < 3; i++ {
		busyWindow.Record(traffic.Failure)
	}
	busyWindow.Record(traffic.Success)

	tests := []struct {
		name       string
		st         store.Store
		hc         *HealthConfig
		shutdown   bool
		wantCode   int
		wantStatus string
		wantReason string
	}{
		{
			name:       "healthy",
			hc:         &HealthConfig{},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "breaker open",
			hc:         &HealthConfig{Breaker: openBreaker},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantReason: "circuit_open",
		},
		{
			name:       "store unreachable",
			st:         pingStore{MemoryStore: store.NewMemoryStore(), err: errors.New("connection refused")},
			hc:         &HealthConfig{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantReason: "store_unreachable",
		},
		{
			name:       "error rate breach",
			hc:         &HealthConfig{Traffic: busyWindow, DegradedErrorPct: 50, DegradedMinSamples: 4},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantReason: "error_rate_breach",
		},
		{
			name:       "error rate below min samples",
			hc:         &HealthConfig{Traffic: busyWindow, DegradedErrorPct: 50, DegradedMinSamples: 10},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "shutting down",
			hc:         &HealthConfig{Breaker: openBreaker},
			shutdown:   true,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "shutting-down",
			wantReason: "signal",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.st, tc.hc, nil)
			env.handler.SetShuttingDown(tc.shutdown)

			code, body := getHealth(t, env)
			if code != tc.wantCode {
				t.Errorf("status code = %d, want %d", code, tc.wantCode)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			if body.Reason != tc.wantReason {
				t.Errorf("reason = %q, want %q", body.Reason, tc.wantReason)
			}
		})
	}
}

// TestHandler_GetHealth_LogsTransition verifies a status change between two checks is logged once.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	env := newTestEnv(t, nil, nil, zap.New(core))

	getHealth(t, env)
	env.handler.SetShuttingDown(true)
	getHealth(t, env)
	getHealth(t, env)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("transition fields = %v", fields)
	}
}

// TestHandler_GetHealth_StoreCheck verifies the store check is reported only for pingable stores.
func TestHandler_GetHealth_StoreCheck(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	if _, body := getHealth(t, env); body.Checks["store"] != "" {
		t.Errorf("memory store reported a store check: %v", body.Checks)
	}

	env = newTestEnv(t, pingStore{MemoryStore: store.NewMemoryStore()}, nil, nil)
	if _, body := getHealth(t, env); body.Checks["store"] != "healthy" {
		t.Errorf("store check = %q, want healthy", body.Checks["store"])
	}
}
