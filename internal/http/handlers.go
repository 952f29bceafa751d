package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/tourweather/internal/circuitbreaker"
	"github.com/kjstillabower/tourweather/internal/client"
	"github.com/kjstillabower/tourweather/internal/present"
	"github.com/kjstillabower/tourweather/internal/store"
	"github.com/kjstillabower/tourweather/internal/traffic"
	"github.com/kjstillabower/tourweather/internal/validation"
	"github.com/kjstillabower/tourweather/internal/widget"
)

const (
	pingTimeout         = 2 * time.Second
	maxPreferencesBytes = 4 << 10
)

// HealthConfig holds the inputs of the health decision.
type HealthConfig struct {
	// Breaker is the upstream circuit breaker; nil when disabled.
	Breaker *circuitbreaker.CircuitBreaker
	// Store is pinged when it implements store.Pinger.
	Store store.Store
	// Traffic records /weather outcomes. Required.
	Traffic *traffic.Window
	// DegradedErrorPct is the error-rate threshold over the traffic window; 0 disables the check.
	DegradedErrorPct int
	// DegradedMinSamples is the number of completed fetches needed before the error rate counts.
	DegradedMinSamples int
	Version            string
	StartTime          time.Time
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	widgets      *widget.Pool
	healthConfig *HealthConfig
	logger       *zap.Logger
	hourlyLimit  int

	shuttingDown atomic.Bool

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. Weather requests go through the pool's keyed widgets;
// preferences and the registry come from its primary. hourlyLimit caps the hourly rows
// of a weather view.
func NewHandler(widgets *widget.Pool, healthConfig *HealthConfig, logger *zap.Logger, hourlyLimit int) *Handler {
	if healthConfig == nil {
		healthConfig = &HealthConfig{}
	}
	if healthConfig.Traffic == nil {
		healthConfig.Traffic = traffic.NewWindow(time.Minute)
	}
	if healthConfig.StartTime.IsZero() {
		healthConfig.StartTime = time.Now()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if hourlyLimit <= 0 {
		hourlyLimit = present.DefaultHourlyLimit
	}
	return &Handler{
		widgets:      widgets,
		healthConfig: healthConfig,
		logger:       logger,
		hourlyLimit:  hourlyLimit,
	}
}

// SetShuttingDown flips the health status to shutting-down.
func (h *Handler) SetShuttingDown(v bool) {
	h.shuttingDown.Store(v)
}

// ShuttingDown reports whether shutdown has begun.
func (h *Handler) ShuttingDown() bool {
	return h.shuttingDown.Load()
}

// GetWeather handles GET /weather/{location}?units=&refresh=.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	id, err := validation.LocationID(mux.Vars(r)["location"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}
	query := r.URL.Query()
	units, err := validation.Units(query.Get("units"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_UNITS", err.Error())
		return
	}
	refresh := false
	if raw := query.Get("refresh"); raw != "" {
		if refresh, err = strconv.ParseBool(raw); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_REFRESH", "refresh must be true or false")
			return
		}
	}

	window := h.healthConfig.Traffic
	result, err := h.widgets.Fetch(r.Context(), id, units, refresh)
	if err != nil {
		if errors.Is(err, widget.ErrFetchInProgress) {
			window.Record(traffic.Rejected)
			writeError(w, r, http.StatusConflict, "FETCH_IN_PROGRESS", "A weather fetch is already in progress")
			return
		}
		window.Record(traffic.Failure)
		writeServiceError(w, r, err)
		return
	}
	window.Record(traffic.Success)

	w.Header().Set("X-Cache", string(result.Source))
	if !result.Persisted() {
		w.Header().Set("X-Cache-Persist", "failed")
	}
	writeJSON(w, http.StatusOK, present.Build(result, h.hourlyLimit))
}

// GetLocations handles GET /locations.
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	reg := h.widgets.Primary().Registry()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":   reg.Default().ID,
		"locations": reg.All(),
	})
}

// GetPreferences handles GET /preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.widgets.Primary().Selection())
}

// PutPreferences handles PUT /preferences. The selection changes even when the
// store write fails; that case is flagged with X-Preferences-Persist: failed.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Units      string `json:"units"`
		LocationID string `json:"locationId"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPreferencesBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "body must be {\"units\",\"locationId\"}")
		return
	}
	id, err := validation.LocationID(body.LocationID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}
	units, err := validation.Units(body.Units)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_UNITS", err.Error())
		return
	}

	prefs, err := h.widgets.Primary().Select(r.Context(), id, units)
	if err != nil {
		requestLogger(r, h.logger).Warn("preferences not persisted", zap.Error(err))
		w.Header().Set("X-Preferences-Persist", "failed")
	}
	writeJSON(w, http.StatusOK, prefs)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	counts := h.healthConfig.Traffic.Counts()
	resp := map[string]interface{}{
		"status":  result.status,
		"service": "tourweather",
		"version": h.healthConfig.Version,
		"checks":  result.checks,
		"traffic": map[string]interface{}{
			"window":    h.healthConfig.Traffic.Span().String(),
			"success":   counts.Success,
			"failure":   counts.Failure,
			"rejected":  counts.Rejected,
			"errorRate": counts.ErrorPct(),
		},
		"cacheEntries":  h.widgets.Primary().Cache().Len(),
		"uptimeSeconds": int64(time.Since(h.healthConfig.StartTime).Seconds()),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates, in order: shutting-down, upstream breaker, store
// reachability, fetch error rate. Every check is reported even after one fails.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	cfg := h.healthConfig
	checks := map[string]string{"upstream": "healthy"}
	var reason string
	degrade := func(r string) {
		if reason == "" {
			reason = r
		}
	}

	if cfg.Breaker.Open() {
		checks["upstream"] = "unhealthy"
		degrade("circuit_open")
	}

	if pinger, ok := cfg.Store.(store.Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := pinger.Ping(pingCtx)
		cancel()
		if err != nil {
			checks["store"] = "unhealthy"
			degrade("store_unreachable")
			h.logger.Debug("store ping failed", zap.Error(err))
		} else {
			checks["store"] = "healthy"
		}
	}

	if cfg.DegradedErrorPct > 0 {
		c := cfg.Traffic.Counts()
		checks["errorRate"] = "healthy"
		if c.Success+c.Failure >= cfg.DegradedMinSamples && c.Failure > 0 && c.ErrorPct() >= float64(cfg.DegradedErrorPct) {
			checks["errorRate"] = "unhealthy"
			degrade("error_rate_breach")
		}
	}

	switch {
	case h.ShuttingDown():
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	case reason != "":
		return healthResult{"degraded", http.StatusServiceUnavailable, reason, checks}
	default:
		return healthResult{"healthy", http.StatusOK, "", checks}
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError writes a 503 for a failed fetch. The message is the FetchError's
// human-readable text; the underlying cause is only logged.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	message := "Unable to load weather data."
	var fe *client.FetchError
	if errors.As(err, &fe) {
		message = fe.Message
	}
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", message)
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("upstream error", zap.Error(err))
	}
}

// requestLogger returns the request-scoped logger set by CorrelationIDMiddleware.
func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
