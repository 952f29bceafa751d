package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/tourweather/internal/observability"
)

// RouterConfig holds the middleware dependencies of the router.
type RouterConfig struct {
	Logger         *zap.Logger
	Tracer         trace.Tracer
	Limiter        *rate.Limiter // nil disables rate limiting
	Tracker        *InFlightTracker
	RequestTimeout time.Duration
}

// NewRouter registers every route of the service. Rate limiting and the request
// timeout apply to /weather only.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = &InFlightTracker{}
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(cfg.Logger))
	router.Use(MetricsMiddleware(cfg.Tracker))
	router.Use(TracingMiddleware(cfg.Tracer))

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/locations", h.GetLocations).Methods(http.MethodGet)
	router.HandleFunc("/preferences", h.GetPreferences).Methods(http.MethodGet)
	router.HandleFunc("/preferences", h.PutPreferences).Methods(http.MethodPut)

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(RateLimitMiddleware(cfg.Limiter, h.healthConfig.Traffic))
	weatherRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	weatherRouter.HandleFunc("/{location}", h.GetWeather).Methods(http.MethodGet)

	return router
}
