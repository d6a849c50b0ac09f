// Package config loads dispatcher configuration from TOML or YAML files
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendSQL    = "sql"
)

// Remote transports.
const (
	TransportHTTP = "http"
	TransportBus  = "bus"
)

// Config is the complete dispatcher configuration.
type Config struct {
	Dispatcher DispatcherConfig `toml:"dispatcher" yaml:"dispatcher"`
	Store      StoreConfig      `toml:"store" yaml:"store"`
	Registry   RegistryConfig   `toml:"registry" yaml:"registry"`
	Bus        BusConfig        `toml:"bus" yaml:"bus"`
	Remote     RemoteConfig     `toml:"remote" yaml:"remote"`
	Selection  SelectionConfig  `toml:"selection" yaml:"selection"`
	Heartbeat  HeartbeatConfig  `toml:"heartbeat" yaml:"heartbeat"`
	RateLimit  RateLimitConfig  `toml:"rate_limit" yaml:"rate_limit"`
	Telemetry  TelemetryConfig  `toml:"telemetry" yaml:"telemetry"`
	Metrics    MetricsConfig    `toml:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
}

// DispatcherConfig holds submission limits and loop tuning.
type DispatcherConfig struct {
	MaxTimeout        time.Duration `toml:"max_timeout" yaml:"max_timeout"`
	DefaultTimeout    time.Duration `toml:"default_timeout" yaml:"default_timeout"`
	DefaultMaxRetries int           `toml:"default_max_retries" yaml:"default_max_retries"`
	MaxRetriesCap     int           `toml:"max_retries_cap" yaml:"max_retries_cap"`
	Backoff           time.Duration `toml:"backoff" yaml:"backoff"`
	MaxConcurrent     int           `toml:"max_concurrent" yaml:"max_concurrent"`
	Retention         time.Duration `toml:"retention" yaml:"retention"`
	PurgeInterval     time.Duration `toml:"purge_interval" yaml:"purge_interval"`
	DrainTimeout      time.Duration `toml:"drain_timeout" yaml:"drain_timeout"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend"` // memory, nats, sql
	Driver  string `toml:"driver" yaml:"driver"`   // sqlite, postgres
	DSN     string `toml:"dsn" yaml:"dsn"`
	Bucket  string `toml:"bucket" yaml:"bucket"`
}

// RegistryConfig selects the agent directory backend. Agents listed here
// are registered at startup; with the memory backend they are the only
// agents the dispatcher knows about.
type RegistryConfig struct {
	Backend string        `toml:"backend" yaml:"backend"` // memory, nats
	Bucket  string        `toml:"bucket" yaml:"bucket"`
	TTL     time.Duration `toml:"ttl" yaml:"ttl"`
	Agents  []AgentConfig `toml:"agents" yaml:"agents"`
}

// AgentConfig describes a statically known agent.
type AgentConfig struct {
	ID           string   `toml:"id" yaml:"id"`
	Type         string   `toml:"type" yaml:"type"`
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`
	Address      string   `toml:"address" yaml:"address"`
	Weight       int      `toml:"weight" yaml:"weight"`
}

// BusConfig holds the NATS connection settings.
type BusConfig struct {
	URL  string `toml:"url" yaml:"url"`
	Name string `toml:"name" yaml:"name"`
}

// RemoteConfig selects how tasks reach agents.
type RemoteConfig struct {
	Transport string `toml:"transport" yaml:"transport"` // http, bus
}

// SelectionConfig selects the agent selection strategy.
type SelectionConfig struct {
	Strategy string `toml:"strategy" yaml:"strategy"`
}

// HeartbeatConfig tunes agent liveness tracking.
type HeartbeatConfig struct {
	Enabled bool          `toml:"enabled" yaml:"enabled"`
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
}

// RateLimitConfig throttles deliveries per agent. A zero Capacity disables
// throttling. With Shared, reductions after a 429 reply are broadcast to
// the other dispatchers on the bus.
type RateLimitConfig struct {
	Capacity int           `toml:"capacity" yaml:"capacity"`
	Window   time.Duration `toml:"window" yaml:"window"`
	Shared   bool          `toml:"shared" yaml:"shared"`
}

// TelemetryConfig configures tracing and event export.
type TelemetryConfig struct {
	ServiceName    string `toml:"service_name" yaml:"service_name"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Protocol       string `toml:"protocol" yaml:"protocol"` // grpc, http
	Debug          bool   `toml:"debug" yaml:"debug"`
	EventsProtocol string `toml:"events_protocol" yaml:"events_protocol"` // file, http, noop
	EventsEndpoint string `toml:"events_endpoint" yaml:"events_endpoint"`
}

// MetricsConfig sets where Prometheus metrics are served. An empty Addr
// disables the endpoint.
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// LoggingConfig sets the log level and format.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			MaxTimeout:        time.Hour,
			DefaultTimeout:    30 * time.Second,
			DefaultMaxRetries: 3,
			MaxRetriesCap:     10,
			Backoff:           2 * time.Second,
			MaxConcurrent:     64,
			Retention:         time.Hour,
			PurgeInterval:     5 * time.Minute,
			DrainTimeout:      30 * time.Second,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Driver:  "sqlite",
			Bucket:  "taskdispatch-tasks",
		},
		Registry: RegistryConfig{
			Backend: BackendMemory,
			Bucket:  "agent-registry",
			TTL:     30 * time.Second,
		},
		Bus: BusConfig{
			Name: "taskdispatch",
		},
		Remote: RemoteConfig{
			Transport: TransportHTTP,
		},
		Selection: SelectionConfig{
			Strategy: "round_robin",
		},
		Heartbeat: HeartbeatConfig{
			Timeout: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window: time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "taskdispatch",
			Protocol:    "grpc",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults, picking the format by extension
// (.toml, .yaml or .yml), then applies environment overrides and
// validates. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// ApplyEnv overrides fields from TASKDISPATCH_* variables. LOG_LEVEL is
// honored when TASKDISPATCH_LOG_LEVEL is unset.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Bus.URL, "TASKDISPATCH_NATS_URL", "NATS_URL")
	set(&c.Store.Backend, "TASKDISPATCH_STORE_BACKEND")
	set(&c.Store.Driver, "TASKDISPATCH_STORE_DRIVER")
	set(&c.Store.DSN, "TASKDISPATCH_STORE_DSN")
	set(&c.Registry.Backend, "TASKDISPATCH_REGISTRY_BACKEND")
	set(&c.Remote.Transport, "TASKDISPATCH_REMOTE_TRANSPORT")
	set(&c.Logging.Level, "TASKDISPATCH_LOG_LEVEL", "LOG_LEVEL")
	set(&c.Telemetry.Endpoint, "TASKDISPATCH_OTLP_ENDPOINT")
	set(&c.Metrics.Addr, "TASKDISPATCH_METRICS_ADDR")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	d := c.Dispatcher
	switch {
	case d.MaxTimeout <= 0:
		return fmt.Errorf("dispatcher.max_timeout must be positive")
	case d.DefaultTimeout <= 0 || d.DefaultTimeout > d.MaxTimeout:
		return fmt.Errorf("dispatcher.default_timeout must be in (0, max_timeout]")
	case d.DefaultMaxRetries < 0 || d.MaxRetriesCap < 0 || d.DefaultMaxRetries > d.MaxRetriesCap:
		return fmt.Errorf("dispatcher.default_max_retries must be in [0, max_retries_cap]")
	case d.Backoff < 0:
		return fmt.Errorf("dispatcher.backoff must not be negative")
	case d.MaxConcurrent <= 0:
		return fmt.Errorf("dispatcher.max_concurrent must be positive")
	case d.Retention <= 0:
		return fmt.Errorf("dispatcher.retention must be positive")
	case d.PurgeInterval <= 0:
		return fmt.Errorf("dispatcher.purge_interval must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("store.backend nats requires bus.url")
		}
	case BackendSQL:
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
		}
		if c.Store.DSN == "" {
			return fmt.Errorf("store.backend sql requires store.dsn")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Registry.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("registry.backend nats requires bus.url")
		}
	default:
		return fmt.Errorf("unknown registry.backend %q", c.Registry.Backend)
	}
	for i, a := range c.Registry.Agents {
		if a.ID == "" || a.Type == "" || len(a.Capabilities) == 0 {
			return fmt.Errorf("registry.agents[%d] needs id, type and capabilities", i)
		}
	}

	switch c.Remote.Transport {
	case TransportHTTP:
	case TransportBus:
		if c.Bus.URL == "" {
			return fmt.Errorf("remote.transport bus requires bus.url")
		}
	default:
		return fmt.Errorf("unknown remote.transport %q", c.Remote.Transport)
	}

	if c.Heartbeat.Enabled && c.Bus.URL == "" {
		return fmt.Errorf("heartbeat requires bus.url")
	}

	switch rl := c.RateLimit; {
	case rl.Capacity < 0:
		return fmt.Errorf("rate_limit.capacity must not be negative")
	case rl.Capacity > 0 && rl.Window <= 0:
		return fmt.Errorf("rate_limit.window must be positive")
	case rl.Shared && c.Bus.URL == "":
		return fmt.Errorf("rate_limit.shared requires bus.url")
	}
	return nil
}
