package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ManifestEntry is one precache manifest entry.
type ManifestEntry struct {
	URL      string `yaml:"url"`
	Revision string `yaml:"revision"`
}

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	TestingMode bool

	ServerPort     string
	RequestTimeout time.Duration

	SiteOrigin   string // where the trip document and the app shell are served
	TripDocument string // path of the trip document under SiteOrigin

	CacheBackend          string // "in_memory" or "memcached"
	CacheKey              string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	OfflineCachePath string // SQLite file for the offline response cache; empty keeps it in memory

	ForecastURL       string
	ArchiveURL        string
	WeatherAPITimeout time.Duration

	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	BreakerFailures   int
	BreakerTimeout    time.Duration
	RateLimitRPS      int
	RateLimitBurst    int
	ProbeTimeout      time.Duration
	ConnectivityProbe bool

	ForecastHorizonDays int
	Freshness           time.Duration
	PipelineConcurrency int

	WorkerVersion           string
	WorkerSkipWaiting       bool
	WorkerNetworkTimeout    time.Duration
	WorkerBackgroundTimeout time.Duration
	StaticOrigins           []string
	Manifest                []ManifestEntry

	RefreshInterval time.Duration // 0 disables the scheduled refresh
	RefreshTimeout  time.Duration

	ShutdownTimeout  time.Duration
	DegradedWindow   time.Duration
	DegradedErrorPct int
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Site struct {
		Origin       string `yaml:"origin"`
		TripDocument string `yaml:"trip_document"`
	} `yaml:"site"`

	Cache struct {
		Backend   string `yaml:"backend"`
		Key       string `yaml:"key"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	OfflineCache struct {
		Path string `yaml:"path"`
	} `yaml:"offline_cache"`

	WeatherAPI struct {
		ForecastURL string `yaml:"forecast_url"`
		ArchiveURL  string `yaml:"archive_url"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Reliability struct {
		RetryMaxAttempts  int    `yaml:"retry_max_attempts"`
		RetryBaseDelay    string `yaml:"retry_base_delay"`
		RetryMaxDelay     string `yaml:"retry_max_delay"`
		BreakerFailures   int    `yaml:"breaker_failures"`
		BreakerTimeout    string `yaml:"breaker_timeout"`
		RateLimitRPS      int    `yaml:"rate_limit_rps"`
		RateLimitBurst    int    `yaml:"rate_limit_burst"`
		ProbeTimeout      string `yaml:"probe_timeout"`
		ConnectivityProbe *bool  `yaml:"connectivity_probe"`
	} `yaml:"reliability"`

	Pipeline struct {
		HorizonDays int    `yaml:"horizon_days"`
		Freshness   string `yaml:"freshness"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"pipeline"`

	Worker struct {
		Version           string          `yaml:"version"`
		SkipWaiting       bool            `yaml:"skip_waiting"`
		NetworkTimeout    string          `yaml:"network_timeout"`
		BackgroundTimeout string          `yaml:"background_timeout"`
		StaticOrigins     []string        `yaml:"static_origins"`
		Manifest          []ManifestEntry `yaml:"manifest"`
	} `yaml:"worker"`

	Scheduler struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"scheduler"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`
}

// Load reads .env (if present) and config/{ENV_NAME}.yaml (default dev).
// CACHE_BACKEND, MEMCACHED_ADDRS, SITE_ORIGIN and OFFLINE_CACHE_PATH override
// the file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
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

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = orDefault(fc.Server.Port, "8080")
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.SiteOrigin = strings.TrimRight(envOr("SITE_ORIGIN", fc.Site.Origin), "/")
	cfg.TripDocument = strings.TrimLeft(orDefault(fc.Site.TripDocument, "trip-data.json"), "/")

	cfg.CacheBackend = strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheKey = orDefault(fc.Cache.Key, "weatherDataCache")
	cfg.MemcachedAddrs = orDefault(envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.OfflineCachePath = envOr("OFFLINE_CACHE_PATH", fc.OfflineCache.Path)

	cfg.ForecastURL = orDefault(fc.WeatherAPI.ForecastURL, "https://api.open-meteo.com/v1/forecast")
	cfg.ArchiveURL = orDefault(fc.WeatherAPI.ArchiveURL, "https://archive-api.open-meteo.com/v1/archive")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.BreakerFailures = fc.Reliability.BreakerFailures
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.ProbeTimeout = parseDuration(fc.Reliability.ProbeTimeout, 2*time.Second)
	cfg.ConnectivityProbe = true
	if fc.Reliability.ConnectivityProbe != nil {
		cfg.ConnectivityProbe = *fc.Reliability.ConnectivityProbe
	}

	cfg.ForecastHorizonDays = fc.Pipeline.HorizonDays
	if cfg.ForecastHorizonDays <= 0 {
		cfg.ForecastHorizonDays = 16
	}
	cfg.Freshness = parseDuration(fc.Pipeline.Freshness, 24*time.Hour)
	cfg.PipelineConcurrency = fc.Pipeline.Concurrency

	cfg.WorkerVersion = orDefault(fc.Worker.Version, "dev")
	cfg.WorkerSkipWaiting = fc.Worker.SkipWaiting
	cfg.WorkerNetworkTimeout = parseDuration(fc.Worker.NetworkTimeout, 3*time.Second)
	cfg.WorkerBackgroundTimeout = parseDuration(fc.Worker.BackgroundTimeout, 30*time.Second)
	cfg.StaticOrigins = fc.Worker.StaticOrigins
	cfg.Manifest = fc.Worker.Manifest

	cfg.RefreshInterval = parseDurationOrZero(fc.Scheduler.Interval, 0)
	cfg.RefreshTimeout = parseDuration(fc.Scheduler.Timeout, 60*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TripDocumentURL returns the absolute URL of the trip document.
func (c *Config) TripDocumentURL() string {
	return c.SiteOrigin + "/" + c.TripDocument
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
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
// Zero or negative durations are returned as-is.
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

// validate performs post-load validation. RequestTimeout is raised above
// WeatherAPITimeout when needed so a handler never times out before its upstream call.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.SiteOrigin == "" {
		return fmt.Errorf("site.origin required (set SITE_ORIGIN or config)")
	}
	if u, err := url.Parse(cfg.SiteOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.origin must be an absolute URL, got %q", cfg.SiteOrigin)
	}
	if cfg.RefreshInterval < 0 {
		return fmt.Errorf("scheduler.interval must not be negative")
	}
	if cfg.PipelineConcurrency < 0 {
		return fmt.Errorf("pipeline.concurrency must not be negative")
	}
	return nil
}
