package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// PlaceholderToken is the shared token shipped in example configuration.
// It is refused in production.
const PlaceholderToken = "replace-with-a-secret-token"

type Config struct {
	AppEnv         string `env:"APP_ENV" default:"development"`
	Port           string `env:"PORT" default:"8080"`
	SharedToken    string `env:"WS_SHARED_TOKEN" default:"replace-with-a-secret-token"`
	LogLevel       string `env:"LOG_LEVEL" default:"info"`
	LogFormat      string `env:"LOG_FORMAT" default:"text"`
	AppURL         string `env:"APP_URL"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"` // space separated

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"1000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRatePerSecond float64 `env:"CONNECTION_RATE_PER_SECOND" default:"10"`
	ConnectionRateBurst     int     `env:"CONNECTION_RATE_BURST" default:"20"`
	HTTPRatePerSecond       float64 `env:"HTTP_RATE_PER_SECOND" default:"20"`
	HTTPRateBurst           int     `env:"HTTP_RATE_BURST" default:"40"`

	RestrictBroadcast bool          `env:"RELAY_RESTRICT_BROADCAST" default:"false"`
	RoleAliases       bool          `env:"RELAY_ROLE_ALIASES" default:"false"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// ExtraOrigins returns ALLOWED_ORIGINS split on whitespace.
func (c *Config) ExtraOrigins() []string {
	return strings.Fields(c.AllowedOrigins)
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Port)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	if cfg.SharedToken == "" {
		return errors.New("WS_SHARED_TOKEN is required")
	}
	if cfg.IsProduction() && cfg.SharedToken == PlaceholderToken {
		return errors.New("WS_SHARED_TOKEN must be changed from the placeholder in production")
	}

	limits := map[string]int{
		"MAX_WEBSOCKET_CONNECTIONS": cfg.MaxWebSocketConnections,
		"MAX_CONNECTIONS_PER_IP":    cfg.MaxConnectionsPerIP,
		"CONNECTION_RATE_BURST":     cfg.ConnectionRateBurst,
		"HTTP_RATE_BURST":           cfg.HTTPRateBurst,
	}
	for name, value := range limits {
		if value < 1 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.ConnectionRatePerSecond <= 0 {
		return errors.New("CONNECTION_RATE_PER_SECOND must be positive")
	}
	if cfg.HTTPRatePerSecond <= 0 {
		return errors.New("HTTP_RATE_PER_SECOND must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}

	return nil
}
