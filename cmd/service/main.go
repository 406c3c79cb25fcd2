package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-board/internal/cache"
	"github.com/kjstillabower/city-weather-board/internal/client"
	"github.com/kjstillabower/city-weather-board/internal/config"
	httphandler "github.com/kjstillabower/city-weather-board/internal/http"
	"github.com/kjstillabower/city-weather-board/internal/lifecycle"
	"github.com/kjstillabower/city-weather-board/internal/observability"
	"github.com/kjstillabower/city-weather-board/internal/preferences"
	"github.com/kjstillabower/city-weather-board/internal/scheduler"
	"github.com/kjstillabower/city-weather-board/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewWeatherAPIClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryMax,
		cfg.RetryDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.BreakerEnabled {
		cb := client.NewCircuitBreaker(client.BreakerConfig{
			FailureThreshold: int(cfg.BreakerFailureThreshold),
			Timeout:          cfg.BreakerTimeout,
			OnStateChange: func(from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		weatherClient.SetCircuitBreaker(cb)
		logger.Info("circuit breaker enabled",
			zap.Uint32("failure_threshold", cfg.BreakerFailureThreshold),
			zap.Duration("timeout", cfg.BreakerTimeout))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	snapshots, cachePing, cacheCloser, err := buildCache(startCtx, cfg)
	if err != nil {
		startCancel()
		logger.Fatal("snapshot cache", zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend))

	prefStore, prefCloser, err := buildPreferencesStore(cfg)
	if err != nil {
		startCancel()
		logger.Fatal("preferences store", zap.Error(err))
	}
	logger.Info("preferences backend", zap.String("driver", cfg.PreferencesDriver))

	cities := cfg.CityList()
	names := make([]string, len(cities))
	for i, c := range cities {
		names[i] = c.Name
	}
	observability.SetTrackedCities(names)

	store := service.NewWeatherStore(weatherClient, cities, snapshots, cfg.StalenessWindow, logger)
	store.SetFetchTimeout(cfg.RequestTimeout)
	if err := store.Restore(startCtx); err != nil {
		logger.Warn("snapshot restore failed", zap.Error(err))
	} else if n := len(store.Records()); n > 0 {
		logger.Info("snapshot restored", zap.Int("records", n), zap.Time("refreshed_at", store.RefreshedAt()))
	}
	if err := store.RefreshAll(startCtx, false); err != nil {
		logger.Warn("initial refresh failed", zap.Error(err))
	}
	startCancel()
	lifecycle.MarkReady()

	sched := scheduler.New(store, cfg.SchedulerInterval, cfg.RequestTimeout, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	healthConfig := &httphandler.HealthConfig{
		Window:    cfg.HealthWindow,
		ErrorPct:  cfg.HealthErrorPct,
		CachePing: cachePing,
	}
	handler := httphandler.NewHandler(store, preferences.New(prefStore), healthConfig, logger)
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)

	srv := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     newRouter(handler, logger, limiter, cfg.RequestTimeout),
		ReadTimeout: 10 * time.Second,
		// Forced refreshes may run the whole retry budget.
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Int("cities", len(cities)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := httphandler.WaitForInFlight(shutdownCtx); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	sched.Stop()
	for name, c := range map[string]io.Closer{"cache": cacheCloser, "preferences": prefCloser} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Error("close "+name, zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// newRouter mounts the public API. Rate limiting and the request timeout apply
// to the routes that can reach the provider.
func newRouter(handler *httphandler.Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")

	router.HandleFunc("/cities", handler.GetCities).Methods("GET")
	router.HandleFunc("/cities/suggest", handler.SuggestCities).Methods("GET")
	router.HandleFunc("/preferences", handler.GetPreferences).Methods("GET")
	router.HandleFunc("/preferences/theme", handler.PutTheme).Methods("PUT")
	router.HandleFunc("/preferences/history", handler.DeleteHistory).Methods("DELETE")

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(httphandler.RateLimitMiddleware(limiter))
	weatherRouter.Use(httphandler.TimeoutMiddleware(requestTimeout))
	weatherRouter.HandleFunc("", handler.GetWeather).Methods("GET")
	weatherRouter.HandleFunc("/refresh", handler.PostRefresh).Methods("POST")
	weatherRouter.HandleFunc("/search", handler.SearchWeather).Methods("GET")
	return router
}

// buildCache returns the configured snapshot backend, its health probe (nil for
// in_memory) and a closer (nil for in_memory).
func buildCache(ctx context.Context, cfg *config.Config) (cache.Cache, func(context.Context) error, io.Closer, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, nil, err
		}
		return mc, func(context.Context) error { return mc.Ping() }, mc, nil
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, nil, err
		}
		return rc, rc.Ping, rc, nil
	default:
		return cache.NewInMemoryCache(), nil, nil, nil
	}
}

func buildPreferencesStore(cfg *config.Config) (preferences.KeyValueStore, io.Closer, error) {
	if cfg.PreferencesDriver == "" || cfg.PreferencesDriver == "memory" {
		return preferences.NewMemoryStore(), nil, nil
	}
	s, err := preferences.Open(cfg.PreferencesDriver, cfg.PreferencesDSN)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}
