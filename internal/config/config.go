package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models lanepool.yml.
type Config struct {
	Pools     PoolsConfig     `yaml:"pools" json:"pools"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`
	Webhooks  WebhookConfig   `yaml:"webhooks" json:"webhooks"`
	Booking   BookingConfig   `yaml:"booking" json:"booking"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

type PoolsConfig struct {
	// CapacityM3 is the default capacity for a freshly created pool, keyed by transport mode.
	CapacityM3    map[string]float64 `yaml:"capacity_m3" json:"capacity_m3"`
	SweepInterval time.Duration      `yaml:"sweep_interval" json:"sweep_interval"`
}

type LifecycleConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
	Grace        time.Duration `yaml:"grace" json:"grace"`
	AutoBook     bool          `yaml:"auto_book" json:"auto_book"`
}

type WebhookConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	Concurrency     int           `yaml:"concurrency" json:"concurrency"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
	ClaimLease      time.Duration `yaml:"claim_lease" json:"claim_lease"`
	BreakerFailures uint32        `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
	SignatureHeader string        `yaml:"signature_header" json:"signature_header"`
}

type BookingConfig struct {
	Provider string        `yaml:"provider" json:"provider"`
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr" json:"addr"`
	BasePath       string `yaml:"base_path" json:"base_path"`
	AdminJWTSecret string `yaml:"admin_jwt_secret" json:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Pools.CapacityM3) == 0 {
		return fmt.Errorf("config.pools.capacity_m3 is required")
	}
	for mode, capacity := range c.Pools.CapacityM3 {
		if mode != "sea" && mode != "air" {
			return fmt.Errorf("config.pools.capacity_m3 has unknown mode %s", mode)
		}
		if capacity <= 0 {
			return fmt.Errorf("capacity for mode %s must be positive", mode)
		}
	}
	if c.Pools.SweepInterval <= 0 {
		return fmt.Errorf("config.pools.sweep_interval must be positive")
	}
	if c.Lifecycle.TickInterval <= 0 {
		return fmt.Errorf("config.lifecycle.tick_interval must be positive")
	}
	if c.Lifecycle.Grace < 0 {
		return fmt.Errorf("config.lifecycle.grace must not be negative")
	}
	w := c.Webhooks
	if w.PollInterval <= 0 || w.Timeout <= 0 || w.ClaimLease <= 0 {
		return fmt.Errorf("config.webhooks intervals must be positive")
	}
	if w.ClaimLease <= w.Timeout {
		return fmt.Errorf("config.webhooks.claim_lease must exceed timeout")
	}
	if w.BatchSize <= 0 || w.Concurrency <= 0 {
		return fmt.Errorf("config.webhooks batch_size and concurrency must be positive")
	}
	if w.MaxAttempts <= 0 {
		return fmt.Errorf("config.webhooks.max_attempts must be positive")
	}
	if w.BreakerFailures == 0 || w.BreakerCooldown <= 0 {
		return fmt.Errorf("config.webhooks breaker_failures and breaker_cooldown must be positive")
	}
	if strings.TrimSpace(w.SignatureHeader) == "" {
		return fmt.Errorf("config.webhooks.signature_header is required")
	}
	switch c.Booking.Provider {
	case "mock":
	case "http":
		if strings.TrimSpace(c.Booking.Endpoint) == "" {
			return fmt.Errorf("config.booking.endpoint is required for the http provider")
		}
	default:
		return fmt.Errorf("config.booking.provider must be 'mock' or 'http'")
	}
	if c.Booking.Timeout <= 0 {
		return fmt.Errorf("config.booking.timeout must be positive")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'console'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lanepool.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lanepool config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(DefaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("invalid default config yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// DefaultCapacity returns the configured default capacity for mode.
func (c *Config) DefaultCapacity(mode string) (float64, bool) {
	v, ok := c.Pools.CapacityM3[mode]
	return v, ok && v > 0
}

const DefaultTemplate = `pools:
  capacity_m3:
    sea: 28
    air: 4.5
  sweep_interval: 1m

lifecycle:
  tick_interval: 1m
  grace: 24h
  auto_book: false

webhooks:
  poll_interval: 2s
  batch_size: 50
  concurrency: 8
  timeout: 10s
  max_attempts: 8
  claim_lease: 1m
  breaker_failures: 5
  breaker_cooldown: 1m
  signature_header: X-Lanepool-Signature

booking:
  provider: mock
  endpoint: ""
  timeout: 15s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  admin_jwt_secret: ""

log:
  level: info
  format: json
`
