// Package config provides configuration loading and management for dossiersync.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config represents the complete dossiersync configuration
type Config struct {
	Participant ParticipantConfig `yaml:"participant"`
	Transport   TransportConfig   `yaml:"transport"`
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Network     NetworkConfig     `yaml:"network"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Relay       RelayConfig       `yaml:"relay"`
}

// ParticipantConfig identifies the local user
type ParticipantConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

// TransportConfig configures the publish/subscribe connection
type TransportConfig struct {
	// Kind is "websocket" (relay) or "nats"
	Kind string `yaml:"kind"`
	// URL is the relay WebSocket URL or the NATS server URL
	URL string `yaml:"url"`
	// MaxReconnects bounds NATS reconnect attempts (-1 = forever)
	MaxReconnects int `yaml:"max_reconnects"`
	// ReconnectWait is the pause between NATS reconnect attempts and the
	// first WebSocket reconnect backoff
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// APIConfig configures the dossier backend
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Token   string        `yaml:"token,omitempty"`
}

// StorageConfig configures where the outbound queue is persisted
type StorageConfig struct {
	// Backend is one of memory, file, bolt, pebble, sqlite, redis, nats
	Backend string `yaml:"backend"`
	// Dir holds the file, bolt, pebble and sqlite data (default: user state dir)
	Dir         string `yaml:"dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	// Bucket is the JetStream KV bucket for the nats backend
	Bucket string `yaml:"bucket"`
}

// NetworkConfig configures online detection
type NetworkConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	// ProbeAddr is a host:port dialed to detect connectivity (empty = transport status only)
	ProbeAddr     string        `yaml:"probe_addr"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// DeliveryConfig configures the outbound message queue
type DeliveryConfig struct {
	MaxAttempts int  `yaml:"max_attempts"`
	RetryFatal  bool `yaml:"retry_fatal"`
}

// RelayConfig configures the relay server
type RelayConfig struct {
	Addr string `yaml:"addr"`
	// RedisAddr enables Redis fan-out and viewer registry (empty = single instance)
	RedisAddr   string  `yaml:"redis_addr"`
	RedisPrefix string  `yaml:"redis_prefix"`
	RateLimit   float64 `yaml:"rate_limit"`
	Burst       int     `yaml:"burst"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:          TransportWebSocket,
			URL:           "ws://localhost:8090/ws",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:     "file",
			RedisPrefix: "dossiersync:",
			Bucket:      "DOSSIERSYNC_STATE",
		},
		Network: NetworkConfig{
			Debounce:      500 * time.Millisecond,
			ProbeInterval: 10 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 3,
		},
		Relay: RelayConfig{
			Addr:        ":8090",
			RedisPrefix: "dossiersync:",
			RateLimit:   50,
			Burst:       100,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportWebSocket, TransportNATS:
	default:
		return fmt.Errorf("transport.kind must be %q or %q", TransportWebSocket, TransportNATS)
	}
	if c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an http(s) URL")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Network.Debounce < 0 {
		return fmt.Errorf("network.debounce must not be negative")
	}
	if c.Network.ProbeAddr != "" && c.Network.ProbeInterval <= 0 {
		return fmt.Errorf("network.probe_interval must be positive when probe_addr is set")
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.redis_addr is required for the redis backend")
	}
	return nil
}

// readFile parses a YAML file without applying defaults.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	fileConfig, err := readFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	config.Merge(fileConfig)
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Participant
	setString(&c.Participant.ID, other.Participant.ID)
	setString(&c.Participant.DisplayName, other.Participant.DisplayName)

	// Transport
	setString(&c.Transport.Kind, other.Transport.Kind)
	setString(&c.Transport.URL, other.Transport.URL)
	if other.Transport.MaxReconnects != 0 {
		c.Transport.MaxReconnects = other.Transport.MaxReconnects
	}
	setDuration(&c.Transport.ReconnectWait, other.Transport.ReconnectWait)

	// API
	setString(&c.API.BaseURL, other.API.BaseURL)
	setDuration(&c.API.Timeout, other.API.Timeout)
	setString(&c.API.Token, other.API.Token)

	// Storage
	setString(&c.Storage.Backend, other.Storage.Backend)
	setString(&c.Storage.Dir, other.Storage.Dir)
	setString(&c.Storage.RedisAddr, other.Storage.RedisAddr)
	setString(&c.Storage.RedisPrefix, other.Storage.RedisPrefix)
	setString(&c.Storage.Bucket, other.Storage.Bucket)

	// Network
	setDuration(&c.Network.Debounce, other.Network.Debounce)
	setString(&c.Network.ProbeAddr, other.Network.ProbeAddr)
	setDuration(&c.Network.ProbeInterval, other.Network.ProbeInterval)

	// Delivery
	if other.Delivery.MaxAttempts != 0 {
		c.Delivery.MaxAttempts = other.Delivery.MaxAttempts
	}
	if other.Delivery.RetryFatal {
		c.Delivery.RetryFatal = true
	}

	// Relay
	setString(&c.Relay.Addr, other.Relay.Addr)
	setString(&c.Relay.RedisAddr, other.Relay.RedisAddr)
	setString(&c.Relay.RedisPrefix, other.Relay.RedisPrefix)
	if other.Relay.RateLimit != 0 {
		c.Relay.RateLimit = other.Relay.RateLimit
	}
	if other.Relay.Burst != 0 {
		c.Relay.Burst = other.Relay.Burst
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
