package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/tourweather/internal/models"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	// Path is the file the config was read from; empty when only defaults applied.
	Path string

	ServerPort     string
	RequestTimeout time.Duration

	OpenMeteoURL     string
	OpenMeteoTimeout time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	CacheTTL    time.Duration
	HourlyLimit int

	StorageBackend        string // memory, file, memcached or mysql
	StorageDir            string
	StorageMaxValueBytes  int
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MySQLDSN              string
	MySQLHost             string
	MySQLPort             string
	MySQLUser             string
	MySQLPassword         string
	MySQLDatabase         string

	RateLimitRPS            int
	RateLimitBurst          int
	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration
	DegradedWindow          time.Duration
	DegradedErrorPct        int
	DegradedMinSamples      int

	WarmingEnabled   bool
	WarmingLocations []string
	WarmingUnits     []models.UnitSystem
	WarmingInterval  time.Duration

	TelemetryEnabled     bool
	TelemetryEndpoint    string
	TelemetrySampleRatio float64
	LogLevel             string
	LogFormat            string

	Locations []models.Location

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port           string `yaml:"port"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"server"`

	OpenMeteo struct {
		URL              string `yaml:"url"`
		Timeout          string `yaml:"timeout"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
	} `yaml:"open_meteo"`

	Cache struct {
		TTL         string `yaml:"ttl"`
		HourlyLimit int    `yaml:"hourly_limit"`
	} `yaml:"cache"`

	Storage struct {
		Backend       string `yaml:"backend"`
		Dir           string `yaml:"dir"`
		MaxValueBytes int    `yaml:"max_value_bytes"`
		Memcached     struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		MySQL struct {
			DSN      string `yaml:"dsn"`
			Host     string `yaml:"host"`
			Port     string `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Database string `yaml:"database"`
		} `yaml:"mysql"`
	} `yaml:"storage"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Cooldown         string `yaml:"cooldown"`
		} `yaml:"circuit_breaker"`
		DegradedWindow     string `yaml:"degraded_window"`
		DegradedErrorPct   int    `yaml:"degraded_error_pct"`
		DegradedMinSamples int    `yaml:"degraded_min_samples"`
	} `yaml:"reliability"`

	Warming struct {
		Enabled   bool     `yaml:"enabled"`
		Locations []string `yaml:"locations"`
		Units     []string `yaml:"units"`
		Interval  string   `yaml:"interval"`
	} `yaml:"warming"`

	Telemetry struct {
		Enabled     bool    `yaml:"enabled"`
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio"`
		LogLevel    string  `yaml:"log_level"`
		LogFormat   string  `yaml:"log_format"`
	} `yaml:"telemetry"`

	Locations []models.Location `yaml:"locations"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

// DefaultPath returns config/{ENV_NAME}.yaml (default dev) under the working directory.
func DefaultPath() (string, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("config: get working directory: %w", err)
	}
	return filepath.Join(cwd, "config", env+".yaml"), nil
}

// Load reads configuration from config/{ENV_NAME}.yaml. Call from project root.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path. A missing file is not an error: defaults and
// env overrides still apply and Config.Path is left empty.
func LoadFile(path string) (*Config, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		path = ""
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg, err := fromFile(fc)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc fileConfig) (*Config, error) {
	cfg := &Config{}

	cfg.ServerPort = strings.TrimSpace(fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 15*time.Second)

	cfg.OpenMeteoURL = strings.TrimSpace(fc.OpenMeteo.URL)
	if cfg.OpenMeteoURL == "" {
		cfg.OpenMeteoURL = "https://api.open-meteo.com/v1/forecast"
	}
	cfg.OpenMeteoTimeout = parseDurationOrZero(fc.OpenMeteo.Timeout, 10*time.Second)
	cfg.RetryAttempts = fc.OpenMeteo.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.OpenMeteo.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.OpenMeteo.RetryMaxDelay, 2*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.HourlyLimit = fc.Cache.HourlyLimit
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = 24
	}

	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(fc.Storage.Backend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "file"
	}
	cfg.StorageDir = strings.TrimSpace(fc.Storage.Dir)
	if cfg.StorageDir == "" {
		cfg.StorageDir = "data"
	}
	cfg.StorageMaxValueBytes = fc.Storage.MaxValueBytes
	if cfg.StorageMaxValueBytes <= 0 {
		cfg.StorageMaxValueBytes = 5 << 20
	}
	cfg.MemcachedAddrs = strings.TrimSpace(fc.Storage.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Storage.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Storage.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	my := fc.Storage.MySQL
	cfg.MySQLDSN = strings.TrimSpace(my.DSN)
	cfg.MySQLHost = orDefault(my.Host, "localhost")
	cfg.MySQLPort = orDefault(my.Port, "3306")
	cfg.MySQLUser = strings.TrimSpace(my.User)
	cfg.MySQLPassword = my.Password
	cfg.MySQLDatabase = orDefault(my.Database, "tourweather")

	rel := fc.Reliability
	cfg.RateLimitRPS = rel.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = rel.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	cfg.BreakerEnabled = true
	if rel.CircuitBreaker.Enabled != nil {
		cfg.BreakerEnabled = *rel.CircuitBreaker.Enabled
	}
	cfg.BreakerFailureThreshold = rel.CircuitBreaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = rel.CircuitBreaker.SuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 1
	}
	cfg.BreakerCooldown = parseDuration(rel.CircuitBreaker.Cooldown, 30*time.Second)
	cfg.DegradedWindow = parseDuration(rel.DegradedWindow, time.Minute)
	cfg.DegradedErrorPct = rel.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.DegradedMinSamples = rel.DegradedMinSamples
	if cfg.DegradedMinSamples <= 0 {
		cfg.DegradedMinSamples = 5
	}

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingLocations = fc.Warming.Locations
	cfg.WarmingInterval = parseDuration(fc.Warming.Interval, 9*time.Minute)
	for _, s := range fc.Warming.Units {
		u, err := models.ParseUnitSystem(s)
		if err != nil {
			return nil, fmt.Errorf("warming.units: %w", err)
		}
		cfg.WarmingUnits = append(cfg.WarmingUnits, u)
	}

	tel := fc.Telemetry
	cfg.TelemetryEnabled = tel.Enabled
	cfg.TelemetryEndpoint = orDefault(tel.Endpoint, "localhost:4317")
	cfg.TelemetrySampleRatio = tel.SampleRatio
	if cfg.TelemetrySampleRatio <= 0 {
		cfg.TelemetrySampleRatio = 1
	}
	cfg.LogLevel = strings.TrimSpace(tel.LogLevel)
	cfg.LogFormat = orDefault(tel.LogFormat, "json")

	cfg.Locations = fc.Locations

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	return cfg, nil
}

// applyEnv lets deployment env vars override the file.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CACHE_TTL")); v != "" {
		cfg.CacheTTL = parseDuration(v, cfg.CacheTTL)
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("STORAGE_BACKEND"))); v != "" {
		cfg.StorageBackend = v
	}
	if v := strings.TrimSpace(os.Getenv("STORAGE_DIR")); v != "" {
		cfg.StorageDir = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")); v != "" {
		cfg.MemcachedAddrs = v
	}
	if v := strings.TrimSpace(os.Getenv("MYSQL_DSN")); v != "" {
		cfg.MySQLDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("OPEN_METEO_URL")); v != "" {
		cfg.OpenMeteoURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		cfg.ServerPort = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TelemetryEnabled = b
		}
	}
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

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

// validate performs post-load validation. RequestTimeout is raised above the
// worst-case upstream time so a slow fetch is not cut off by the server.
func validate(cfg *Config) error {
	if cfg.OpenMeteoTimeout <= 0 {
		return fmt.Errorf("open_meteo.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.OpenMeteoTimeout {
		cfg.RequestTimeout = cfg.OpenMeteoTimeout + time.Second
	}
	switch cfg.StorageBackend {
	case "memory", "file", "memcached", "mysql":
	default:
		return fmt.Errorf("storage.backend must be memory, file, memcached or mysql, got %q", cfg.StorageBackend)
	}
	if cfg.StorageBackend == "mysql" && cfg.MySQLDSN == "" && cfg.MySQLUser == "" {
		return fmt.Errorf("storage.mysql requires dsn or user (or MYSQL_DSN)")
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("reliability.degraded_error_pct must be at most 100, got %d", cfg.DegradedErrorPct)
	}
	if cfg.TelemetrySampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be in (0, 1], got %v", cfg.TelemetrySampleRatio)
	}
	return nil
}
