// Package config loads runtime settings for the coin tracker from the
// environment, optionally seeded by a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultDBPath           = "./coin_tracker.db"
	DefaultPort             = "8080"
	DefaultCoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	DefaultCoinLimit        = 10
)

type Config struct {
	// Storage: DatabaseURL (postgres) wins over DBPath (sqlite)
	DatabaseURL string
	DBPath      string

	Port string

	CoinGeckoBaseURL string
	CoinGeckoAPIKey  string
	CoinLimit        int

	// Upstream governance
	MinFetchInterval       time.Duration
	MaxRetries             int
	RateLimitBaseDelay     time.Duration
	RateLimitMaxDelay      time.Duration // 0 disables the cap
	TransientRetryDelay    time.Duration
	UpstreamCallsPerMinute int

	// Scheduling
	RefreshInterval time.Duration
	HistoryInterval time.Duration
	StartupDelay    time.Duration
	StaleAfter      time.Duration

	CORSAllowedOrigins []string
	FrontendDistPath   string

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no environment is set
func Default() *Config {
	return &Config{
		DBPath:                 DefaultDBPath,
		Port:                   DefaultPort,
		CoinGeckoBaseURL:       DefaultCoinGeckoBaseURL,
		CoinLimit:              DefaultCoinLimit,
		MinFetchInterval:       60 * time.Second,
		MaxRetries:             3,
		RateLimitBaseDelay:     5 * time.Second,
		RateLimitMaxDelay:      60 * time.Second,
		TransientRetryDelay:    10 * time.Second,
		UpstreamCallsPerMinute: 10,
		RefreshInterval:        2 * time.Hour,
		HistoryInterval:        4 * time.Hour,
		StartupDelay:           5 * time.Second,
		StaleAfter:             time.Hour,
		CORSAllowedOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load reads .env (if present) and the process environment on top of Default
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
// Malformed values are logged and replaced by defaults.
func FromEnv() *Config {
	cfg := Default()

	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.Port = getEnv("PORT", cfg.Port)

	cfg.CoinGeckoBaseURL = strings.TrimRight(getEnv("COINGECKO_BASE_URL", cfg.CoinGeckoBaseURL), "/")
	cfg.CoinGeckoAPIKey = getEnv("COINGECKO_API_KEY", "")
	cfg.CoinLimit = getEnvInt("COIN_LIMIT", cfg.CoinLimit)

	cfg.MinFetchInterval = getEnvDuration("MIN_FETCH_INTERVAL", cfg.MinFetchInterval)
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.RateLimitBaseDelay = getEnvDuration("RATE_LIMIT_BASE_DELAY", cfg.RateLimitBaseDelay)
	cfg.RateLimitMaxDelay = getEnvDuration("RATE_LIMIT_MAX_DELAY", cfg.RateLimitMaxDelay)
	cfg.TransientRetryDelay = getEnvDuration("TRANSIENT_RETRY_DELAY", cfg.TransientRetryDelay)
	cfg.UpstreamCallsPerMinute = getEnvInt("UPSTREAM_CALLS_PER_MINUTE", cfg.UpstreamCallsPerMinute)

	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.HistoryInterval = getEnvDuration("HISTORY_INTERVAL", cfg.HistoryInterval)
	cfg.StartupDelay = getEnvDuration("STARTUP_DELAY", cfg.StartupDelay)
	cfg.StaleAfter = getEnvDuration("STALE_AFTER", cfg.StaleAfter)

	if origins := getEnv("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.CORSAllowedOrigins = splitList(origins)
	}
	cfg.FrontendDistPath = getEnv("FRONTEND_DIST_PATH", "")

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	return cfg
}

// Validate checks that intervals and limits are usable
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.DBPath == "" {
		return errors.New("one of DATABASE_URL or DB_PATH is required")
	}
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %q", c.Port)
	}
	if c.CoinGeckoBaseURL == "" {
		return errors.New("COINGECKO_BASE_URL is required")
	}
	if c.CoinLimit < 1 || c.CoinLimit > 250 {
		return fmt.Errorf("COIN_LIMIT must be between 1 and 250, got %d", c.CoinLimit)
	}
	if c.MinFetchInterval < 0 {
		return fmt.Errorf("MIN_FETCH_INTERVAL must be >= 0, got %v", c.MinFetchInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.RateLimitBaseDelay <= 0 {
		return fmt.Errorf("RATE_LIMIT_BASE_DELAY must be > 0, got %v", c.RateLimitBaseDelay)
	}
	if c.RateLimitMaxDelay < 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_DELAY must be >= 0, got %v", c.RateLimitMaxDelay)
	}
	if c.TransientRetryDelay < 0 {
		return fmt.Errorf("TRANSIENT_RETRY_DELAY must be >= 0, got %v", c.TransientRetryDelay)
	}
	if c.UpstreamCallsPerMinute < 1 {
		return fmt.Errorf("UPSTREAM_CALLS_PER_MINUTE must be >= 1, got %d", c.UpstreamCallsPerMinute)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be > 0, got %v", c.RefreshInterval)
	}
	if c.HistoryInterval <= 0 {
		return fmt.Errorf("HISTORY_INTERVAL must be > 0, got %v", c.HistoryInterval)
	}
	if c.StartupDelay < 0 {
		return fmt.Errorf("STARTUP_DELAY must be >= 0, got %v", c.StartupDelay)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("STALE_AFTER must be > 0, got %v", c.StaleAfter)
	}
	return nil
}

// StorageDSN returns DatabaseURL when set, otherwise the sqlite DBPath
func (c *Config) StorageDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.DBPath
}

// ConfigureLogging applies LogLevel and LogFormat to the standard logrus logger
func (c *Config) ConfigureLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warnf("Unknown LOG_LEVEL %q, using info", c.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Warnf("Invalid %s=%q, using default %d", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		log.Warnf("Invalid %s=%q, using default %v", key, raw, defaultValue)
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
