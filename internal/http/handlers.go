package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-board/internal/client"
	"github.com/kjstillabower/city-weather-board/internal/lifecycle"
	"github.com/kjstillabower/city-weather-board/internal/models"
	"github.com/kjstillabower/city-weather-board/internal/observability"
	"github.com/kjstillabower/city-weather-board/internal/preferences"
	"github.com/kjstillabower/city-weather-board/internal/service"
	"github.com/kjstillabower/city-weather-board/internal/traffic"
	"github.com/kjstillabower/city-weather-board/internal/validation"
)

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	Window   time.Duration // error-rate window
	ErrorPct int           // degraded at or above this provider error percentage
	// CachePing, when set, is called to check snapshot backend reachability.
	CachePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store            *service.WeatherStore
	prefs            *preferences.Preferences
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	store *service.WeatherStore,
	prefs *preferences.Preferences,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:        store,
		prefs:        prefs,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// recordView is a WeatherRecord plus display-only fields.
type recordView struct {
	models.WeatherRecord
	WindDirection string `json:"windDirection"`
}

func newRecordView(r models.WeatherRecord) recordView {
	return recordView{WeatherRecord: r, WindDirection: models.CompassPoint(r.WindDegree)}
}

type boardResponse struct {
	Records     []recordView `json:"records"`
	RefreshedAt *time.Time   `json:"refreshedAt"`
	Loading     bool         `json:"loading"`
	Warning     *apiError    `json:"warning,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) board() boardResponse {
	records := h.store.Records()
	resp := boardResponse{
		Records: make([]recordView, len(records)),
		Loading: h.store.Loading(),
	}
	for i, r := range records {
		resp.Records[i] = newRecordView(r)
	}
	if at := h.store.RefreshedAt(); !at.IsZero() {
		resp.RefreshedAt = &at
	}
	return resp
}

// GetWeather handles GET /weather. Refreshes the board when it is stale. When the
// refresh fails but an older board exists, the older board is served with a warning.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	err := h.store.RefreshAll(r.Context(), false)
	recordOutcome(r, err)
	if err != nil {
		if len(h.store.Records()) == 0 {
			writeStoreError(w, r, err)
			return
		}
		_, code, message := classifyStoreError(err)
		resp := h.board()
		resp.Warning = &apiError{Code: code, Message: message}
		observability.LoggerFromContext(r.Context(), h.logger).Debug("serving previous board", zap.Error(err))
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, h.board())
}

// PostRefresh handles POST /weather/refresh: a forced full refresh.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	err := h.store.RefreshAll(r.Context(), true)
	recordOutcome(r, err)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.board())
}

// SearchWeather handles GET /weather/search?city=.
func (h *Handler) SearchWeather(w http.ResponseWriter, r *http.Request) {
	query, err := validation.ValidateCityQuery(r.URL.Query().Get("city"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}

	logger := observability.LoggerFromContext(r.Context(), h.logger)
	if h.prefs != nil {
		if _, err := h.prefs.AddToHistory(r.Context(), query); err != nil {
			logger.Warn("search history update failed", zap.Error(err))
		}
	}

	record, err := h.store.SearchCity(r.Context(), query)
	if !errors.Is(err, service.ErrCityNotFound) {
		recordOutcome(r, err)
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(record))
}

type cityView struct {
	Name    string   `json:"name"`
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	Aliases []string `json:"aliases,omitempty"`
}

// GetCities handles GET /cities.
func (h *Handler) GetCities(w http.ResponseWriter, r *http.Request) {
	cities := h.store.Cities()
	out := make([]cityView, len(cities))
	for i, c := range cities {
		out[i] = cityView{Name: c.Name, Lat: c.Lat, Lon: c.Lon, Aliases: c.Aliases}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cities": out})
}

// SuggestCities handles GET /cities/suggest?q=.
func (h *Handler) SuggestCities(w http.ResponseWriter, r *http.Request) {
	suggestions := []string{}
	q := r.URL.Query().Get("q")
	query, err := validation.ValidateCityQuery(q)
	switch {
	case errors.Is(err, validation.ErrQueryEmpty):
	case err != nil:
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	default:
		if s := h.store.Suggest(query); s != nil {
			suggestions = s
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": suggestions})
}

type preferencesResponse struct {
	DarkMode bool     `json:"darkMode"`
	History  []string `json:"history"`
}

// GetPreferences handles GET /preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	resp, err := h.readPreferences(r.Context())
	if err != nil {
		writePreferencesError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PutTheme handles PUT /preferences/theme with body {"darkMode": bool}.
func (h *Handler) PutTheme(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DarkMode *bool `json:"darkMode"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil || body.DarkMode == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", `body must be {"darkMode": true|false}`)
		return
	}
	if err := h.prefs.SetDarkMode(r.Context(), *body.DarkMode); err != nil {
		writePreferencesError(w, r, err)
		return
	}
	resp, err := h.readPreferences(r.Context())
	if err != nil {
		writePreferencesError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteHistory handles DELETE /preferences/history.
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.prefs.ClearHistory(r.Context()); err != nil {
		writePreferencesError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) readPreferences(ctx context.Context) (preferencesResponse, error) {
	dark, err := h.prefs.DarkMode(ctx)
	if err != nil {
		return preferencesResponse{}, err
	}
	history, err := h.prefs.History(ctx)
	if err != nil {
		return preferencesResponse{}, err
	}
	return preferencesResponse{DarkMode: dark, History: history}, nil
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

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

	checks := make(map[string]string)
	if result.reason == "error_rate_breach" {
		checks["weatherApi"] = "unhealthy"
	} else {
		checks["weatherApi"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing(r.Context()) == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}

	board := map[string]interface{}{
		"records": len(h.store.Records()),
		"loading": h.store.Loading(),
	}
	if at := h.store.RefreshedAt(); !at.IsZero() {
		board["refreshedAt"] = at.UTC().Format(time.RFC3339)
	}

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "city-weather-board",
		"version":   "dev",
		"checks":    checks,
		"board":     board,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "startup"}
	}
	if h.healthConfig != nil && h.healthConfig.Window > 0 && h.healthConfig.ErrorPct > 0 {
		if pct, ok := traffic.Snapshot(h.healthConfig.Window).ErrorPct(); ok && pct >= float64(h.healthConfig.ErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// recordOutcome feeds the health error rate. A caller that gave up is not a
// provider failure; its refresh keeps running and is counted nowhere.
func recordOutcome(r *http.Request, err error) {
	if err != nil && r.Context().Err() != nil {
		return
	}
	if err != nil {
		traffic.Record(traffic.Failure)
		return
	}
	traffic.Record(traffic.Success)
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
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": requestID(r),
		},
	})
}

// classifyStoreError maps store and fetch errors to status, code and message.
// ErrNoDataAvailable is checked before the fetch sentinels it may wrap.
func classifyStoreError(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrCityNotFound):
		return http.StatusNotFound, "CITY_NOT_FOUND", "City not found"
	case errors.Is(err, service.ErrNoDataAvailable):
		return http.StatusServiceUnavailable, "NO_DATA_AVAILABLE", "No weather data available"
	case errors.Is(err, client.ErrInvalidAPIKey):
		return http.StatusBadGateway, "INVALID_CREDENTIALS", "Weather provider rejected credentials"
	case errors.Is(err, client.ErrRateLimited):
		return http.StatusServiceUnavailable, "RATE_LIMITED", "Weather provider rate limit reached"
	default:
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"
	}
}

// writeStoreError writes the mapped error response and logs the underlying error at DEBUG.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classifyStoreError(err)
	writeError(w, r, status, code, message)
	observability.LoggerFromContext(r.Context(), nil).Debug("store error", zap.String("code", code), zap.Error(err))
}

func writePreferencesError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusInternalServerError, "PREFERENCES_UNAVAILABLE", "Unable to access preferences")
	observability.LoggerFromContext(r.Context(), nil).Warn("preferences error", zap.Error(err))
}
