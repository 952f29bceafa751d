package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that metrics can be used with the label dimensions the
// client, widget, cache and http packages pass.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/weather/{location}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/weather/{location}").Observe(0.01)
	UpstreamCallsTotal.WithLabelValues("success").Inc()
	UpstreamDuration.WithLabelValues("server_error").Observe(0.1)
	UpstreamErrorsTotal.WithLabelValues("timeout").Inc()
	WidgetFetchesTotal.WithLabelValues("cache").Inc()
	WeatherQueriesByLocationTotal.WithLabelValues("lisbon").Inc()
	RecordCircuitBreakerTransition("forecast_api", "closed", "open", 1)
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	WidgetFetchesTotal.WithLabelValues("live").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "widgetFetchesTotal") {
		t.Error("MetricsHandler response should contain widgetFetchesTotal")
	}
}
