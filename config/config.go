/*
config.go - Environment-driven configuration

PURPOSE:
  Loads server configuration from the environment, optionally seeded
  from a .env file for local development. Command-line flags in
  cmd/server override anything loaded here.

VARIABLES:
  PORT                 HTTP server port (default 8080)
  SQLITE_PATH          SQLite database path (default schedule.db)
  POSTGRES_DSN         When set, PostgreSQL is used instead of SQLite
  ENV                  "development" or "production" (default development)
  BUFFER_MINUTES       Idle buffer around appointments (default 10)
  GRANULARITY_MINUTES  Slot step for availability (default 15)
  HOLD_TTL_MINUTES     Pending hold lifetime before auto-cancel (default 30)

The buffer and granularity are shop policy, not engine constants, which
is why they live here and flow into the engine as plain config values.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the server needs to start.
type Config struct {
	Port        int
	SQLitePath  string
	PostgresDSN string
	Environment string

	Buffer      time.Duration
	Granularity time.Duration
	HoldTTL     time.Duration
}

// Load reads configuration from the environment. A missing .env file is
// not an error; explicit environment variables always win.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Port:        8080,
		SQLitePath:  "schedule.db",
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		Environment: "development",
		Buffer:      10 * time.Minute,
		Granularity: 15 * time.Minute,
		HoldTTL:     30 * time.Minute,
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Environment = env
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", raw, err)
		}
		cfg.Port = port
	}

	var err error
	if cfg.Buffer, err = minutes("BUFFER_MINUTES", cfg.Buffer); err != nil {
		return nil, err
	}
	if cfg.Granularity, err = minutes("GRANULARITY_MINUTES", cfg.Granularity); err != nil {
		return nil, err
	}
	if cfg.HoldTTL, err = minutes("HOLD_TTL_MINUTES", cfg.HoldTTL); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Production reports whether the server runs in production mode, which
// switches the logger to structured JSON output.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

func minutes(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative minute count", key, raw)
	}
	return time.Duration(n) * time.Minute, nil
}
