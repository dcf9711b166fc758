// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

const (
	ServiceName    = "dispense-engine"
	ServiceVersion = "0.1.0"
)

const (
	TracesPath    = "/otlp/v1/traces"
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
)

// Config holds application configuration values.
type Config struct {
	HTTPPort string

	DBDriver    string
	DatabaseDSN string

	// DispenseLocation is used when a fulfillment names no location.
	DispenseLocation  string
	LowStockThreshold int64
	// LimitTimezone defines the calendar day for prescriber limits.
	LimitTimezone *time.Location

	SweepInterval  time.Duration
	OutboxInterval time.Duration

	KafkaBroker string
	KafkaTopic  string

	OtelEndpoint   string
	OtelAuthHeader string

	LogLevel string
}

// Load reads a .env file when present, then the environment, applying
// defaults for anything unset.
func Load() (Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:         getenv("HTTP_PORT", "8080"),
		DBDriver:         getenv("DB_DRIVER", "sqlite3"),
		DatabaseDSN:      getenv("DATABASE_DSN", "./data/dispense.db"),
		DispenseLocation: getenv("DISPENSE_LOCATION", "main"),
		KafkaBroker:      os.Getenv("KAFKA_BROKER"),
		KafkaTopic:       getenv("KAFKA_TOPIC", "pharmacy.stock-events"),
		OtelEndpoint:     os.Getenv("OTEL_ENDPOINT"),
		OtelAuthHeader:   os.Getenv("OTEL_AUTH_HEADER"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
	}

	if _, err := strconv.Atoi(cfg.HTTPPort); err != nil {
		return Config{}, fmt.Errorf("invalid HTTP_PORT %q", cfg.HTTPPort)
	}
	switch cfg.DBDriver {
	case "sqlite3", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q: want sqlite3 or postgres", cfg.DBDriver)
	}

	threshold, err := strconv.ParseInt(getenv("LOW_STOCK_THRESHOLD", "10"), 10, 64)
	if err != nil || threshold < 0 {
		return Config{}, fmt.Errorf("invalid LOW_STOCK_THRESHOLD %q", os.Getenv("LOW_STOCK_THRESHOLD"))
	}
	cfg.LowStockThreshold = threshold

	loc, err := time.LoadLocation(getenv("LIMIT_TIMEZONE", "UTC"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LIMIT_TIMEZONE: %w", err)
	}
	cfg.LimitTimezone = loc

	if cfg.SweepInterval, err = duration("SWEEP_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.OutboxInterval, err = duration("OUTBOX_INTERVAL", 5*time.Second); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
