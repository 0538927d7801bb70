// Package config loads LoanSyncro settings from defaults, an optional TOML
// file, a .env file and LOANSYNCRO_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "LOANSYNCRO_"

// Config holds all LoanSyncro configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`
	Notify   NotifyConfig   `toml:"notify"`
}

type ServerConfig struct {
	Addr            string `toml:"addr"`
	ReadTimeout     string `toml:"read_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	AllowedOrigin   string `toml:"allowed_origin"` // CORS origin, "*" for local development
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "sqlite3" (cgo) or "sqlite" (pure Go)
	Path        string `toml:"path"`
	BusyTimeout string `toml:"busy_timeout"`
}

type AuthConfig struct {
	Provider string `toml:"provider"` // only "local" is supported
	Secret   string `toml:"secret"`   // HMAC key for access tokens
	Issuer   string `toml:"issuer"`
	TokenTTL string `toml:"token_ttl"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

type TracingConfig struct {
	Endpoint    string `toml:"endpoint"` // OTLP/HTTP collector, empty disables export
	ServiceName string `toml:"service_name"`
}

type NotifyConfig struct {
	QueueSize      int    `toml:"queue_size"`
	TelegramToken  string `toml:"telegram_token"`
	TelegramChatID int64  `toml:"telegram_chat_id"`
}

// DefaultConfig returns settings suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     "15s",
			WriteTimeout:    "15s",
			ShutdownTimeout: "10s",
			AllowedOrigin:   "*",
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			Path:        "loansyncro.db",
			BusyTimeout: "5s",
		},
		Auth: AuthConfig{
			Provider: "local",
			Issuer:   "loansyncro",
			TokenTTL: "30m",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{ServiceName: "loansyncro"},
		Notify:  NotifyConfig{QueueSize: 256},
	}
}

// Load builds the configuration. An empty path skips the TOML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "ADDR")
	setString(&c.Server.AllowedOrigin, "ALLOWED_ORIGIN")
	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.Path, "DB_PATH")
	setString(&c.Auth.Provider, "AUTH_PROVIDER")
	setString(&c.Auth.Secret, "AUTH_SECRET")
	setString(&c.Auth.TokenTTL, "TOKEN_TTL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Tracing.Endpoint, "OTEL_ENDPOINT")
	setString(&c.Notify.TelegramToken, "TELEGRAM_TOKEN")

	if v := os.Getenv(envPrefix + "METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS_ENABLED: %w", envPrefix, err)
		}
		c.Metrics.Enabled = b
	}
	if v := os.Getenv(envPrefix + "TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_CHAT_ID: %w", envPrefix, err)
		}
		c.Notify.TelegramChatID = id
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error

	for name, value := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"database.busy_timeout":   c.Database.BusyTimeout,
		"auth.token_ttl":          c.Auth.TokenTTL,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite3 or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if c.Auth.Provider != "local" {
		errs = append(errs, fmt.Errorf("auth.provider %q is not supported", c.Auth.Provider))
	}
	if len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth.secret must be at least 32 bytes"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	if c.Notify.QueueSize < 1 {
		errs = append(errs, errors.New("notify.queue_size must be positive"))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == 0) {
		errs = append(errs, errors.New("notify.telegram_token and notify.telegram_chat_id must be set together"))
	}

	return errors.Join(errs...)
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration     { return mustDuration(s.ReadTimeout) }
func (s ServerConfig) WriteTimeoutDuration() time.Duration    { return mustDuration(s.WriteTimeout) }
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration { return mustDuration(s.ShutdownTimeout) }
func (d DatabaseConfig) BusyTimeoutDuration() time.Duration   { return mustDuration(d.BusyTimeout) }
func (a AuthConfig) TokenTTLDuration() time.Duration          { return mustDuration(a.TokenTTL) }
