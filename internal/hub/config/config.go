// Package config loads the hub's runtime configuration. Values are
// layered: built-in defaults, then an optional YAML file, then
// environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Port            int           // HTTP listen port
	DatabaseURL     string        // Postgres connection URL (required)
	ShutdownTimeout time.Duration // Grace period for graceful shutdown
	LogLevel        string        // debug | info | warn | error
}

// Load reads configuration from defaults, the optional YAML file at
// path (ignored when empty), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"port":             80,
		"shutdown_timeout": "8s",
		"log_level":        "info",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	timeout, err := ParseTimeout(k.String("shutdown_timeout"))
	if err != nil {
		return nil, fmt.Errorf("parse SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Port:            k.Int("port"),
		DatabaseURL:     k.String("database_url"),
		ShutdownTimeout: timeout,
		LogLevel:        k.String("log_level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps environment variable names to config keys. Unrelated
// variables are dropped by returning "". Railway's draining window is
// honored as the shutdown timeout when set.
func envKey(s string) string {
	switch s {
	case "PORT":
		return "port"
	case "DATABASE_URL":
		return "database_url"
	case "SHUTDOWN_TIMEOUT", "RAILWAY_DEPLOYMENT_DRAINING_SECONDS":
		return "shutdown_timeout"
	case "LOG_LEVEL":
		return "log_level"
	}
	return ""
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// ParseTimeout accepts bare numbers (seconds) and suffixed duration
// strings like "5s", "200ms" or "2m".
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("duration cannot be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration cannot be negative")
	}
	return d, nil
}
