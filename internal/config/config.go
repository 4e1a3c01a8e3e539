package config

import (
	"errors"
	"os"
	"strings"
)

// Config holds the application configuration.
type Config struct {
	Environment     string
	DatabaseURL     string
	ListenAddr      string
	HistorySchedule string
}

// Load loads configuration from environment variables. DATABASE_URL is
// either a postgres:// DSN or a plain file path, which selects the
// embedded SQLite backend.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:     os.Getenv("APP_ENV"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ListenAddr:      os.Getenv("LISTEN_ADDR"),
		HistorySchedule: os.Getenv("HISTORY_SCHEDULE"),
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	// Embedded SQLite is fine for development and testing; production
	// and staging must run on Postgres.
	if c.Environment == "production" || c.Environment == "staging" {
		if !c.UsesPostgres() {
			return errors.New("DATABASE_URL must be a postgres:// DSN in " + c.Environment)
		}
	}

	return nil
}

// UsesPostgres reports whether the configured database URL selects the
// Postgres backend.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}
