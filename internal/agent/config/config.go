// Package config loads the agent's runtime configuration from
// defaults, an optional YAML file, and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/podpilot/podpilot/internal/protocol"
)

// Config holds the agent's runtime configuration.
type Config struct {
	HubURL             string            // WebSocket URL of the hub's agent endpoint
	StatusPort         int               // Port for the local status API
	Provider           protocol.Provider // vastai | runpod | local
	ProviderInstanceID string            // Generated from hostname when unset
	Hostname           string            // Detected when unset
	TailscaleIP        netip.Addr        // Address on the overlay network
	LogLevel           string
}

// Load reads configuration from defaults, the optional YAML file at
// path (ignored when empty), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"hub_url":      "ws://localhost:80/ws/agent",
		"status_port":  8081,
		"provider":     "local",
		"tailscale_ip": "0.0.0.0",
		"log_level":    "info",
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

	provider, err := protocol.ParseProvider(k.String("provider"))
	if err != nil {
		return nil, fmt.Errorf("parse PROVIDER_TYPE: %w", err)
	}

	addr, err := netip.ParseAddr(k.String("tailscale_ip"))
	if err != nil {
		return nil, fmt.Errorf("parse TAILSCALE_IP: %w", err)
	}

	hostname := k.String("hostname")
	if hostname == "" {
		hostname = detectHostname()
	}

	instanceID := k.String("provider_instance_id")
	if instanceID == "" {
		instanceID = generateInstanceID(hostname)
	}

	cfg := &Config{
		HubURL:             k.String("hub_url"),
		StatusPort:         k.Int("status_port"),
		Provider:           provider,
		ProviderInstanceID: instanceID,
		Hostname:           hostname,
		TailscaleIP:        addr,
		LogLevel:           k.String("log_level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	switch s {
	case "HUB_WEBSOCKET_URL":
		return "hub_url"
	case "STATUS_PORT":
		return "status_port"
	case "PROVIDER_TYPE":
		return "provider"
	case "PROVIDER_INSTANCE_ID":
		return "provider_instance_id"
	case "HOSTNAME":
		return "hostname"
	case "TAILSCALE_IP":
		return "tailscale_ip"
	case "LOG_LEVEL":
		return "log_level"
	}
	return ""
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("hub URL is required")
	}
	if c.StatusPort < 1 || c.StatusPort > 65535 {
		return fmt.Errorf("invalid status port %d", c.StatusPort)
	}
	return nil
}

func detectHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// generateInstanceID builds a stable-looking fallback identifier of
// the form "<hostname>-<8 hex chars>" for providers that don't hand
// out instance ids.
func generateInstanceID(hostname string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hostname + "-00000000"
	}
	return hostname + "-" + hex.EncodeToString(b[:])
}
