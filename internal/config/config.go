// Package config loads runtime configuration from environment variables
// (optionally a .env file) for the loader and API binaries.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPageTimeout  = 60 * time.Second
	defaultBatchSize    = 2000
	defaultLoadInterval = 300 * time.Second
	defaultStartupDelay = 5 * time.Second
	defaultStartFrom    = "2024-01-01T00:00:00Z"
	defaultListenPort   = "8080"
	defaultLimit        = 500
	defaultLogLevel     = "info"
)

// ComponentProp is a per-component override applied to multi-stream
// components, forcing a fixed property name and unit at a given position.
type ComponentProp struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// Loader holds the ingestion daemon configuration.
type Loader struct {
	FrostURL        string
	DatabaseURL     string
	PageTimeout     time.Duration
	BatchSize       int
	LoadInterval    time.Duration
	StartupDelay    time.Duration
	LogLevel        string
	TargetLocations []string
	StartFrom       time.Time
	ComponentProps  []ComponentProp
	MetricsAddr     string
}

// API holds the read API configuration.
type API struct {
	DatabaseURL  string
	Port         string
	LogLevel     string
	DefaultLimit int
	BearerToken  string
}

// LoadLoader reads the loader configuration from the environment.
func LoadLoader() (Loader, error) {
	_ = godotenv.Load(".env")

	cfg := Loader{}

	cfg.FrostURL = strings.TrimRight(strings.TrimSpace(os.Getenv("FROST_URL")), "/")
	if cfg.FrostURL == "" {
		return cfg, errors.New("FROST_URL is required")
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.PageTimeout, err = durationEnv("PAGE_TIMEOUT", defaultPageTimeout); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = intEnv("BATCH_SIZE", defaultBatchSize); err != nil {
		return cfg, err
	}
	if cfg.BatchSize <= 0 {
		return cfg, errors.New("BATCH_SIZE must be positive")
	}
	if cfg.LoadInterval, err = durationEnv("LOAD_INTERVAL", defaultLoadInterval); err != nil {
		return cfg, err
	}
	if cfg.StartupDelay, err = durationEnv("STARTUP_DELAY", defaultStartupDelay); err != nil {
		return cfg, err
	}

	cfg.LogLevel = logLevel()

	if v := strings.TrimSpace(os.Getenv("TARGET_LOCATIONS")); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.TargetLocations = append(cfg.TargetLocations, name)
			}
		}
	}

	startFrom := strings.TrimSpace(os.Getenv("START_FROM"))
	if startFrom == "" {
		startFrom = defaultStartFrom
	}
	cfg.StartFrom, err = time.Parse(time.RFC3339, startFrom)
	if err != nil {
		return cfg, fmt.Errorf("invalid START_FROM: %w", err)
	}
	cfg.StartFrom = cfg.StartFrom.UTC()

	if v := strings.TrimSpace(os.Getenv("MULTI_COMPONENT_PROPS")); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.ComponentProps); err != nil {
			return cfg, fmt.Errorf("invalid MULTI_COMPONENT_PROPS: %w", err)
		}
	}

	cfg.MetricsAddr = strings.TrimSpace(os.Getenv("METRICS_ADDR"))

	return cfg, nil
}

// LoadAPI reads the API server configuration from the environment.
func LoadAPI() (API, error) {
	_ = godotenv.Load(".env")

	cfg := API{}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	cfg.Port = strings.TrimSpace(os.Getenv("PORT"))
	if cfg.Port == "" {
		cfg.Port = defaultListenPort
	}

	var err error
	if cfg.DefaultLimit, err = intEnv("DEFAULT_LIMIT", defaultLimit); err != nil {
		return cfg, err
	}

	cfg.LogLevel = logLevel()
	cfg.BearerToken = strings.TrimSpace(os.Getenv("BEARER_TOKEN"))

	return cfg, nil
}

// ListenAddr formats the API bind address.
func (c API) ListenAddr() string {
	return ":" + c.Port
}

func logLevel() string {
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		return strings.ToLower(v)
	}
	return defaultLogLevel
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	// Accept bare seconds for compatibility with the docker env files.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
