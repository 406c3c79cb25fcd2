package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/city-weather-board/internal/models"
	"github.com/kjstillabower/city-weather-board/internal/observability"
)

// WeatherFetcher returns current conditions for a single city.
type WeatherFetcher interface {
	Fetch(ctx context.Context, city models.City) (models.WeatherRecord, error)
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrRateLimited      = errors.New("rate limited")
	ErrProviderStatus   = errors.New("provider error")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrTransport        = errors.New("transport failure")
	ErrCircuitOpen      = errors.New("circuit breaker open")
)

// ProviderError reports a non-2xx provider status other than 401 and 429.
// errors.Is(err, ErrProviderStatus) matches it.
type ProviderError struct {
	StatusCode int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%v: HTTP %d", ErrProviderStatus, e.StatusCode)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderStatus
}

const (
	DefaultBaseURL    = "https://api.weatherapi.com/v1"
	DefaultRetryMax   = 3
	DefaultRetryDelay = 1000 * time.Millisecond
	defaultLang       = "ru"
)

type WeatherAPIClient struct {
	apiKey     string
	baseURL    string
	client     *http.Client
	retryMax   int
	retryDelay time.Duration
	breaker    *gobreaker.CircuitBreaker
}

// NewWeatherAPIClient returns a client with the default retry policy
// (3 retries, fixed 1s delay). timeout 0 means no per-call HTTP timeout.
func NewWeatherAPIClient(apiKey, baseURL string, timeout time.Duration) (*WeatherAPIClient, error) {
	return NewWeatherAPIClientWithRetry(apiKey, baseURL, timeout, DefaultRetryMax, DefaultRetryDelay)
}

// NewWeatherAPIClientWithRetry returns a client that retries 429 and other non-2xx
// responses up to retryMax extra times, waiting retryDelay between attempts.
func NewWeatherAPIClientWithRetry(apiKey, baseURL string, timeout time.Duration, retryMax int, retryDelay time.Duration) (*WeatherAPIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if retryMax < 0 {
		retryMax = 0
	}
	if retryDelay < 0 {
		retryDelay = 0
	}

	return &WeatherAPIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		retryMax:   retryMax,
		retryDelay: retryDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker wraps every provider attempt in cb. Pass nil to disable.
func (c *WeatherAPIClient) SetCircuitBreaker(cb *gobreaker.CircuitBreaker) {
	c.breaker = cb
}

type weatherAPIResponse struct {
	Location *json.RawMessage `json:"location"`
	Current  *struct {
		TempC      float64 `json:"temp_c"`
		FeelsLikeC float64 `json:"feelslike_c"`
		Humidity   int     `json:"humidity"`
		WindKph    float64 `json:"wind_kph"`
		WindDegree int     `json:"wind_degree"`
		PressureMb float64 `json:"pressure_mb"`
		Condition  struct {
			Text string `json:"text"`
			Icon string `json:"icon"`
		} `json:"condition"`
		AirQuality *struct {
			CO         float64 `json:"co"`
			NO2        float64 `json:"no2"`
			O3         float64 `json:"o3"`
			SO2        float64 `json:"so2"`
			PM2_5      float64 `json:"pm2_5"`
			PM10       float64 `json:"pm10"`
			USEPAIndex int     `json:"us-epa-index"`
		} `json:"air_quality"`
	} `json:"current"`
}

// Fetch calls the provider for city. 401, malformed payloads and transport
// failures end the call immediately; 429 and other non-2xx statuses share one
// retry budget with a fixed delay between attempts.
func (c *WeatherAPIClient) Fetch(ctx context.Context, city models.City) (models.WeatherRecord, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return models.WeatherRecord{}, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		record, err := c.attempt(ctx, city)
		if err == nil {
			return record, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return models.WeatherRecord{}, failed(fmt.Errorf("fetch %s: %w", city.Name, err))
		}
	}

	return models.WeatherRecord{}, failed(fmt.Errorf("fetch %s: exhausted retries: %w", city.Name, lastErr))
}

func failed(err error) error {
	observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
	return err
}

func (c *WeatherAPIClient) attempt(ctx context.Context, city models.City) (models.WeatherRecord, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, city)
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, city)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.WeatherRecord{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		return models.WeatherRecord{}, err
	}
	return result.(models.WeatherRecord), nil
}

func (c *WeatherAPIClient) callAPI(ctx context.Context, city models.City) (models.WeatherRecord, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx, city)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherRecord{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return models.WeatherRecord{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.WeatherRecord{}, err
	}

	var payload weatherAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.WeatherRecord{}, fmt.Errorf("%w: decode: %v", ErrMalformedPayload, err)
	}
	if payload.Current == nil || payload.Location == nil {
		return models.WeatherRecord{}, fmt.Errorf("%w: missing current or location section", ErrMalformedPayload)
	}

	return mapResponse(payload, city), nil
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderStatus)
}

func (c *WeatherAPIClient) buildRequest(ctx context.Context, city models.City) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + "/current.json")
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("q", formatCoord(city.Lat)+","+formatCoord(city.Lon))
	params.Set("lang", defaultLang)
	params.Set("aqi", "yes")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: provider rejected credentials", ErrInvalidAPIKey)
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &ProviderError{StatusCode: resp.StatusCode}
	}
	return nil
}

func mapResponse(p weatherAPIResponse, city models.City) models.WeatherRecord {
	cur := p.Current
	record := models.WeatherRecord{
		City:        city.Name,
		Temperature: roundHalfUp(cur.TempC),
		FeelsLike:   roundHalfUp(cur.FeelsLikeC),
		Humidity:    cur.Humidity,
		WindSpeed:   cur.WindKph,
		WindDegree:  cur.WindDegree,
		Pressure:    cur.PressureMb,
		Description: cur.Condition.Text,
		Icon:        cur.Condition.Icon,
		FetchedAt:   time.Now(),
	}
	if aq := cur.AirQuality; aq != nil {
		record.AirQuality = &models.AirQuality{
			CO:         aq.CO,
			NO2:        aq.NO2,
			O3:         aq.O3,
			SO2:        aq.SO2,
			PM2_5:      aq.PM2_5,
			PM10:       aq.PM10,
			USEPAIndex: aq.USEPAIndex,
		}
	}
	return record
}

// roundHalfUp rounds halves toward positive infinity (-2.5 -> -2, 2.5 -> 3).
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func extractCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(observability.CorrelationIDKey).(string); ok {
		return corrID
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
