package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/city-weather-board/internal/models"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string `validate:"required,numeric"`

	WeatherAPIKey     string        `validate:"required"`
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPITimeout time.Duration `validate:"gte=0"`

	RetryMax                int           `validate:"gte=0,lte=10"`
	RetryDelay              time.Duration `validate:"gte=0"`
	BreakerEnabled          bool
	BreakerFailureThreshold uint32        `validate:"gte=1"`
	BreakerTimeout          time.Duration `validate:"gt=0"`

	CacheBackend          string        `validate:"oneof=in_memory memcached redis"`
	StalenessWindow       time.Duration `validate:"gt=0"`
	MemcachedAddrs        string        `validate:"required_if=CacheBackend memcached"`
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	RedisAddr             string `validate:"required_if=CacheBackend redis"`
	RedisPassword         string
	RedisDB               int `validate:"gte=0"`

	PreferencesDriver string `validate:"oneof=memory sqlite postgres"`
	PreferencesDSN    string `validate:"required_unless=PreferencesDriver memory"`

	SchedulerInterval time.Duration `validate:"gte=0"`
	RequestTimeout    time.Duration `validate:"gt=0"`
	RateLimitRPS      int           `validate:"gt=0"`
	RateLimitBurst    int           `validate:"gt=0"`
	HealthWindow      time.Duration `validate:"gt=0"`
	HealthErrorPct    int           `validate:"gte=1,lte=100"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`

	Cities []CityConfig `validate:"min=1,dive"`
}

// CityConfig is one configured board city.
type CityConfig struct {
	Name    string   `yaml:"name" validate:"required"`
	Lat     float64  `yaml:"lat" validate:"gte=-90,lte=90"`
	Lon     float64  `yaml:"lon" validate:"gte=-180,lte=180"`
	Aliases []string `yaml:"aliases"`
}

// CityList returns the configured cities as models.
func (c *Config) CityList() []models.City {
	out := make([]models.City, len(c.Cities))
	for i, cc := range c.Cities {
		out[i] = models.City{Name: cc.Name, Lat: cc.Lat, Lon: cc.Lon, Aliases: cc.Aliases}
	}
	return out
}

// DefaultCities is the board used when the config file lists none.
var DefaultCities = []CityConfig{
	{Name: "Москва", Lat: 55.7558, Lon: 37.6173, Aliases: []string{"moscow"}},
	{Name: "Санкт-Петербург", Lat: 59.9343, Lon: 30.3351, Aliases: []string{"saint petersburg", "st petersburg", "spb"}},
	{Name: "Новосибирск", Lat: 55.0084, Lon: 82.9357, Aliases: []string{"novosibirsk"}},
	{Name: "Екатеринбург", Lat: 56.8389, Lon: 60.6057, Aliases: []string{"yekaterinburg", "ekaterinburg"}},
	{Name: "Казань", Lat: 55.7887, Lon: 49.1221, Aliases: []string{"kazan"}},
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Reliability struct {
		RetryMax       *int   `yaml:"retry_max"`
		RetryDelay     string `yaml:"retry_delay"`
		CircuitBreaker struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold uint32 `yaml:"failure_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Cache struct {
		Backend         string `yaml:"backend"`
		StalenessWindow string `yaml:"staleness_window"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Preferences struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"preferences"`

	Scheduler struct {
		Interval *string `yaml:"interval"`
	} `yaml:"scheduler"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	RateLimit struct {
		RPS   int `yaml:"rps"`
		Burst int `yaml:"burst"`
	} `yaml:"rate_limit"`

	Health struct {
		Window   string `yaml:"window"`
		ErrorPct int    `yaml:"error_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Cities []CityConfig `yaml:"cities"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	RedisPassword string `yaml:"redis_password"`
}

// envOverrides are read with envconfig after .env is loaded. Unset fields keep file values.
type envOverrides struct {
	WeatherAPIKey     string         `envconfig:"WEATHER_API_KEY"`
	WeatherAPIURL     string         `envconfig:"WEATHER_API_URL"`
	ServerPort        string         `envconfig:"SERVER_PORT"`
	CacheBackend      string         `envconfig:"CACHE_BACKEND"`
	MemcachedAddrs    string         `envconfig:"MEMCACHED_ADDRS"`
	RedisAddr         string         `envconfig:"REDIS_ADDR"`
	RedisPassword     string         `envconfig:"REDIS_PASSWORD"`
	PreferencesDriver string         `envconfig:"PREFERENCES_DRIVER"`
	PreferencesDSN    string         `envconfig:"PREFERENCES_DSN"`
	SchedulerInterval *time.Duration `envconfig:"SCHEDULER_INTERVAL"`
}

var validate = validator.New()

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml,
// then applies .env and environment overrides. The API key comes from WEATHER_API_KEY
// (environment or .env) or the secrets file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}

	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(fc)

	secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
	secretsData, err := os.ReadFile(secretsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else {
		var sec secretsFile
		if err := yaml.Unmarshal(secretsData, &sec); err != nil {
			return nil, fmt.Errorf("parse secrets file: %w", err)
		}
		cfg.WeatherAPIKey = sec.WeatherAPIKey
		if sec.RedisPassword != "" {
			cfg.RedisPassword = sec.RedisPassword
		}
	}

	var ov envOverrides
	if err := envconfig.Process("", &ov); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	applyOverrides(cfg, ov)

	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env or config/secrets.yaml weather_api_key)")
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc fileConfig) *Config {
	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.weatherapi.com/v1"
	}
	// no timeout unless configured
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 0)

	cfg.RetryMax = 3
	if fc.Reliability.RetryMax != nil {
		cfg.RetryMax = *fc.Reliability.RetryMax
	}
	cfg.RetryDelay = parseDurationOrZero(fc.Reliability.RetryDelay, 1000*time.Millisecond)
	cfg.BreakerEnabled = fc.Reliability.CircuitBreaker.Enabled
	cfg.BreakerFailureThreshold = fc.Reliability.CircuitBreaker.FailureThreshold
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)

	cfg.CacheBackend = normalize(fc.Cache.Backend)
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.StalenessWindow = parseDuration(fc.Cache.StalenessWindow, 5*time.Minute)
	cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = strings.TrimSpace(fc.Cache.Redis.Addr)
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	cfg.RedisPassword = fc.Cache.Redis.Password
	cfg.RedisDB = fc.Cache.Redis.DB

	cfg.PreferencesDriver = normalize(fc.Preferences.Driver)
	if cfg.PreferencesDriver == "" {
		cfg.PreferencesDriver = "memory"
	}
	cfg.PreferencesDSN = strings.TrimSpace(fc.Preferences.DSN)

	cfg.SchedulerInterval = 5 * time.Minute
	if fc.Scheduler.Interval != nil {
		cfg.SchedulerInterval = parseDurationOrZero(*fc.Scheduler.Interval, 5*time.Minute)
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)
	cfg.RateLimitRPS = fc.RateLimit.RPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.RateLimit.Burst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)
	cfg.HealthErrorPct = fc.Health.ErrorPct
	if cfg.HealthErrorPct <= 0 {
		cfg.HealthErrorPct = 50
	}
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.Cities = fc.Cities
	if len(cfg.Cities) == 0 {
		cfg.Cities = append([]CityConfig(nil), DefaultCities...)
	}
	return cfg
}

func applyOverrides(cfg *Config, ov envOverrides) {
	if ov.WeatherAPIKey != "" {
		cfg.WeatherAPIKey = ov.WeatherAPIKey
	}
	if ov.WeatherAPIURL != "" {
		cfg.WeatherAPIURL = ov.WeatherAPIURL
	}
	if ov.ServerPort != "" {
		cfg.ServerPort = ov.ServerPort
	}
	if v := normalize(ov.CacheBackend); v != "" {
		cfg.CacheBackend = v
	}
	if v := strings.TrimSpace(ov.MemcachedAddrs); v != "" {
		cfg.MemcachedAddrs = v
	}
	if v := strings.TrimSpace(ov.RedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if ov.RedisPassword != "" {
		cfg.RedisPassword = ov.RedisPassword
	}
	if v := normalize(ov.PreferencesDriver); v != "" {
		cfg.PreferencesDriver = v
	}
	if v := strings.TrimSpace(ov.PreferencesDSN); v != "" {
		cfg.PreferencesDSN = v
	}
	if ov.SchedulerInterval != nil {
		cfg.SchedulerInterval = *ov.SchedulerInterval
	}
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validateConfig runs struct validation and cross-field checks. A request
// timeout that would cut off a full retry sequence is raised to cover it.
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Cities))
	for _, c := range cfg.Cities {
		key := normalize(c.Name)
		if seen[key] {
			return fmt.Errorf("invalid config: duplicate city %q", c.Name)
		}
		seen[key] = true
	}

	if cfg.WeatherAPITimeout > 0 {
		budget := time.Duration(cfg.RetryMax+1)*cfg.WeatherAPITimeout + time.Duration(cfg.RetryMax)*cfg.RetryDelay
		if cfg.RequestTimeout <= budget {
			cfg.RequestTimeout = budget + time.Second
		}
	}
	return nil
}
