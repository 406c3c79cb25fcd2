//go:build integration
// +build integration

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-board/internal/cache"
	"github.com/kjstillabower/city-weather-board/internal/client"
	"github.com/kjstillabower/city-weather-board/internal/lifecycle"
	"github.com/kjstillabower/city-weather-board/internal/observability"
	"github.com/kjstillabower/city-weather-board/internal/preferences"
	"github.com/kjstillabower/city-weather-board/internal/service"
)

// setupIntegrationRouter wires a live WeatherAPI.com client and a memcached
// snapshot backend behind the full middleware chain. Skips when either is unavailable.
func setupIntegrationRouter(t *testing.T, limiter *rate.Limiter) (*mux.Router, cache.Cache) {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set")
	}
	weatherClient, err := client.NewWeatherAPIClientWithRetry(apiKey, "", 10*time.Second, 1, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWeatherAPIClientWithRetry() error = %v", err)
	}

	snapshots, err := cache.NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	if err := snapshots.Ping(); err != nil {
		t.Skipf("memcached not available: %v", err)
	}
	t.Cleanup(func() { _ = snapshots.Close() })

	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	store := service.NewWeatherStore(weatherClient, testCities, snapshots, time.Minute, logger)
	handler := NewHandler(store, preferences.New(preferences.NewMemoryStore()), &HealthConfig{Window: time.Minute, ErrorPct: 50}, logger)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")
	weather := router.PathPrefix("/weather").Subrouter()
	weather.Use(RateLimitMiddleware(limiter))
	weather.Use(TimeoutMiddleware(30 * time.Second))
	weather.HandleFunc("", handler.GetWeather).Methods("GET")
	weather.HandleFunc("/search", handler.SearchWeather).Methods("GET")

	lifecycle.Reset()
	lifecycle.MarkReady()
	t.Cleanup(lifecycle.Reset)
	return router, snapshots
}

func doRequest(router *mux.Router, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

// TestIntegration_GetWeather_PersistsSnapshot verifies a live refresh fills the
// board and writes it through to memcached.
func TestIntegration_GetWeather_PersistsSnapshot(t *testing.T) {
	router, snapshots := setupIntegrationRouter(t, nil)

	w := doRequest(router, "GET", "/weather")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var body boardBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Records) == 0 {
		t.Fatal("no records returned")
	}

	snap, ok, err := snapshots.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v, err %v; want saved snapshot", ok, err)
	}
	if len(snap.Records) != len(body.Records) {
		t.Errorf("snapshot records = %d, want %d", len(snap.Records), len(body.Records))
	}
}

// TestIntegration_Search_LiveProvider verifies an alias search reaches the provider.
func TestIntegration_Search_LiveProvider(t *testing.T) {
	router, _ := setupIntegrationRouter(t, nil)

	w := doRequest(router, "GET", "/weather/search?city=kazan")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var rec struct {
		City        string `json:"city"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.City != "Казань" || rec.Description == "" {
		t.Errorf("record = %+v", rec)
	}
}

// TestIntegration_RateLimiting_Enforcement verifies the weather routes deny
// requests beyond the burst while health stays reachable.
func TestIntegration_RateLimiting_Enforcement(t *testing.T) {
	burst := 5
	router, _ := setupIntegrationRouter(t, rate.NewLimiter(rate.Limit(1), burst))

	denied := 0
	for i := 0; i < burst+5; i++ {
		if w := doRequest(router, "GET", "/weather"); w.Code == http.StatusTooManyRequests {
			denied++
		}
	}
	if denied == 0 {
		t.Error("No requests were rate limited, but some should be")
	}
	if w := doRequest(router, "GET", "/health"); w.Code == http.StatusTooManyRequests {
		t.Error("health was rate limited")
	}
}

// TestIntegration_GetMetrics_Format verifies the exposition includes app metrics.
func TestIntegration_GetMetrics_Format(t *testing.T) {
	router, _ := setupIntegrationRouter(t, nil)
	doRequest(router, "GET", "/weather")

	w := doRequest(router, "GET", "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	for _, name := range []string{"httpRequestsTotal", "weatherApiCallsTotal", "refreshesTotal"} {
		if !strings.Contains(w.Body.String(), "\n"+name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
