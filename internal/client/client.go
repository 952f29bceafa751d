package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kjstillabower/tourweather/internal/circuitbreaker"
	"github.com/kjstillabower/tourweather/internal/models"
	"github.com/kjstillabower/tourweather/internal/observability"
)

// DefaultBaseURL is the public Open-Meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// Fields requested for the current record and the hourly series.
const (
	currentFields = "temperature_2m,relative_humidity_2m,apparent_temperature,weather_code,wind_speed_10m"
	hourlyFields  = "temperature_2m,relative_humidity_2m,apparent_temperature,weather_code,wind_speed_10m"
	forecastHours = 24

	maxBodyBytes = 4 << 20
)

// ForecastClient fetches a forecast for a coordinate pair. Payloads are always metric.
type ForecastClient interface {
	Forecast(ctx context.Context, latitude, longitude float64) (models.WeatherPayload, error)
}

var (
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrBadRequest      = errors.New("request rejected by upstream")
	ErrNetwork         = errors.New("network error")
	ErrDecode          = errors.New("invalid forecast payload")
	ErrCircuitOpen     = circuitbreaker.ErrOpen
)

// FetchError is the error every failed Forecast returns. Error() is safe to show to a user;
// the cause is available through errors.Is/As.
type FetchError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string { return e.Message }

func (e *FetchError) Unwrap() error { return e.Err }

// statusError carries a non-2xx response through the retry loop.
type statusError struct {
	code     int
	reason   string
	sentinel error
}

func (e *statusError) Error() string {
	if e.reason != "" {
		return fmt.Sprintf("%v: HTTP %d: %s", e.sentinel, e.code, e.reason)
	}
	return fmt.Sprintf("%v: HTTP %d", e.sentinel, e.code)
}

func (e *statusError) Unwrap() error { return e.sentinel }

// Options configures an OpenMeteoClient. Zero values take the defaults in NewOpenMeteoClient.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Breaker        *circuitbreaker.CircuitBreaker
	HTTPClient     *http.Client
	Tracer         trace.Tracer
}

type OpenMeteoClient struct {
	baseURL        *url.URL
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	tracer         trace.Tracer
}

func NewOpenMeteoClient(opts Options) (*OpenMeteoClient, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid forecast URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid forecast URL %q: scheme must be http or https", raw)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	return &OpenMeteoClient{
		baseURL:        base,
		timeout:        opts.Timeout,
		client:         httpClient,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breaker:        opts.Breaker,
		tracer:         tracer,
	}, nil
}

// Forecast returns the current conditions and the next 24 hourly values for a coordinate.
// Every error is a *FetchError.
func (c *OpenMeteoClient) Forecast(ctx context.Context, latitude, longitude float64) (models.WeatherPayload, error) {
	ctx, span := c.tracer.Start(ctx, "openmeteo.forecast",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Float64("geo.latitude", latitude),
			attribute.Float64("geo.longitude", longitude),
		))
	defer span.End()

	var payload models.WeatherPayload
	call := func(ctx context.Context) error {
		p, err := c.forecastWithRetry(ctx, latitude, longitude)
		payload = p
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		category := CategorizeError(err)
		observability.UpstreamErrorsTotal.WithLabelValues(string(category)).Inc()
		fe := newFetchError(err)
		observability.RecordSpanError(ctx, err,
			attribute.String("error.category", string(category)),
			attribute.Int("http.status_code", fe.StatusCode))
		return models.WeatherPayload{}, fe
	}
	return payload, nil
}

func (c *OpenMeteoClient) forecastWithRetry(ctx context.Context, latitude, longitude float64) (models.WeatherPayload, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return models.WeatherPayload{}, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		payload, err := c.callAPI(ctx, latitude, longitude)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return models.WeatherPayload{}, err
		}
	}

	if c.retryAttempts > 1 {
		return models.WeatherPayload{}, fmt.Errorf("exhausted %d attempts: %w", c.retryAttempts, lastErr)
	}
	return models.WeatherPayload{}, lastErr
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, latitude, longitude float64) (models.WeatherPayload, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, latitude, longitude)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		return models.WeatherPayload{}, fmt.Errorf("build request: %w", err)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		observability.UpstreamDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.WeatherPayload{}, fmt.Errorf("request timeout: %w", err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return models.WeatherPayload{}, fmt.Errorf("request timeout: %w", context.DeadlineExceeded)
		}
		return models.WeatherPayload{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.WeatherPayload{}, fmt.Errorf("%w: read response body: %w", ErrNetwork, err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return models.WeatherPayload{}, err
	}

	var payload models.WeatherPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.WeatherPayload{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return payload, nil
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, latitude, longitude float64) (*http.Request, error) {
	u := *c.baseURL
	params := u.Query()
	params.Set("latitude", strconv.FormatFloat(latitude, 'f', 6, 64))
	params.Set("longitude", strconv.FormatFloat(longitude, 'f', 6, 64))
	params.Set("current", currentFields)
	params.Set("hourly", hourlyFields)
	params.Set("timezone", "auto")
	params.Set("forecast_hours", strconv.Itoa(forecastHours))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// checkStatus maps a non-2xx response to a statusError. Open-Meteo explains 4xx
// responses in a {"error":true,"reason":"..."} body.
func checkStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	var apiErr struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(body, &apiErr)

	se := &statusError{code: code, reason: apiErr.Reason}
	switch {
	case code == http.StatusTooManyRequests:
		se.sentinel = ErrRateLimited
	case code >= 400 && code < 500:
		se.sentinel = ErrBadRequest
	default:
		se.sentinel = ErrUpstreamFailure
	}
	return se
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure), errors.Is(err, ErrNetwork):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// IsBreakerFailure reports whether err says something about upstream health.
// Pass it as circuitbreaker.Config.Counts so rejected requests and cancellations
// never open the circuit.
func IsBreakerFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBadRequest) || errors.Is(err, ErrDecode) {
		return false
	}
	return true
}

func (c *OpenMeteoClient) backoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func newFetchError(err error) *FetchError {
	fe := &FetchError{Err: err}
	var se *statusError
	if errors.As(err, &se) {
		fe.StatusCode = se.code
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		fe.Message = "Weather service is temporarily unavailable. Please try again shortly."
	case errors.Is(err, context.Canceled):
		fe.Message = "Weather request was cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		fe.Message = "The weather service did not respond in time."
	case errors.Is(err, ErrRateLimited):
		fe.Message = "Too many weather requests. Please try again shortly."
	case errors.Is(err, ErrBadRequest) && se != nil && se.reason != "":
		fe.Message = fmt.Sprintf("Weather request rejected: %s", se.reason)
	case se != nil:
		fe.Message = fmt.Sprintf("Unable to load weather data (HTTP %d).", se.code)
	case errors.Is(err, ErrDecode):
		fe.Message = "Received an unreadable response from the weather service."
	case errors.Is(err, ErrNetwork):
		fe.Message = "Unable to reach the weather service."
	default:
		fe.Message = "Unable to load weather data."
	}
	return fe
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
