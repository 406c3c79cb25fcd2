package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetrics_Usable verifies that label dimensions match usage across the
// client, service, cache, scheduler and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/weather", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/weather").Observe(0.01)
	WeatherAPICallsTotal.WithLabelValues("success").Inc()
	WeatherAPIDuration.WithLabelValues("rate_limited").Observe(0.1)
	WeatherAPIErrorsTotal.WithLabelValues("rate_limited").Inc()
	CircuitBreakerTransitionsTotal.WithLabelValues("closed", "open").Inc()
	RefreshesTotal.WithLabelValues("partial").Inc()
	RefreshDurationSeconds.Observe(1.2)
	SearchesTotal.WithLabelValues("not_found").Inc()
	SnapshotBackendErrorsTotal.WithLabelValues("save").Inc()
	SchedulerRunsTotal.WithLabelValues("error").Inc()
	StoreRecords.Set(5)
}

// TestSetTrackedCities_and_RecordSearch verifies that tracked cities get their own
// label and everything else is folded into "other".
func TestSetTrackedCities_and_RecordSearch(t *testing.T) {
	SetTrackedCities([]string{"Москва", "Казань"})
	defer SetTrackedCities(nil)

	before := testutil.ToFloat64(SearchesByCityTotal.WithLabelValues("москва"))
	RecordSearch(" МОСКВА ")
	if got := testutil.ToFloat64(SearchesByCityTotal.WithLabelValues("москва")); got != before+1 {
		t.Errorf("searchesByCityTotal{city=москва} = %v, want %v", got, before+1)
	}

	otherBefore := testutil.ToFloat64(CityFetchFailuresTotal.WithLabelValues("other"))
	RecordCityFetchFailure("Atlantis")
	if got := testutil.ToFloat64(CityFetchFailuresTotal.WithLabelValues("other")); got != otherBefore+1 {
		t.Errorf("cityFetchFailuresTotal{city=other} = %v, want %v", got, otherBefore+1)
	}
}

func TestSetStoreLoading(t *testing.T) {
	SetStoreLoading(true)
	if got := testutil.ToFloat64(StoreLoading); got != 1 {
		t.Errorf("storeLoading = %v, want 1", got)
	}
	SetStoreLoading(false)
	if got := testutil.ToFloat64(StoreLoading); got != 0 {
		t.Errorf("storeLoading = %v, want 0", got)
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
