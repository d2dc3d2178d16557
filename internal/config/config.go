package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// HTTP holds the listener settings shared by both binaries.
type HTTP struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Config holds all runtime configuration for the consistency core.
type Config struct {
	HTTP

	// AuthorityURL selects a remote authority. When empty an in-process
	// authority is used.
	AuthorityURL       string        `env:"AUTHORITY_URL"`
	AuthorityToken     string        `env:"AUTHORITY_TOKEN"`
	ReservationTimeout time.Duration `env:"RESERVATION_TIMEOUT" envDefault:"5s"`
	ResyncMaxTries     uint          `env:"RESYNC_MAX_TRIES" envDefault:"3"`
	KeyIdleTTL         time.Duration `env:"KEY_IDLE_TTL" envDefault:"10m"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// AuthorityConfig holds the configuration of the standalone authority.
type AuthorityConfig struct {
	HTTP

	// DatabaseURL selects the Postgres store. When empty state is kept in
	// memory.
	DatabaseURL string `env:"DATABASE_URL"`
	Token       string `env:"AUTHORITY_TOKEN"`
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.HTTP.validate(); err != nil {
		return nil, err
	}
	if cfg.ReservationTimeout <= 0 {
		return nil, errors.New("invalid RESERVATION_TIMEOUT: must be positive")
	}
	if cfg.ResyncMaxTries == 0 {
		return nil, errors.New("invalid RESYNC_MAX_TRIES: must be at least 1")
	}
	if cfg.KeyIdleTTL <= 0 {
		return nil, errors.New("invalid KEY_IDLE_TTL: must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return nil, errors.New("invalid SWEEP_INTERVAL: must be positive")
	}
	return &cfg, nil
}

// LoadAuthority reads the standalone authority's configuration.
func LoadAuthority() (*AuthorityConfig, error) {
	var cfg AuthorityConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.HTTP.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (h HTTP) validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", h.Port)
	}
	if !isValidLogLevel(h.LogLevel) {
		return fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", h.LogLevel)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level.
func (h HTTP) SlogLevel() slog.Level {
	switch h.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
