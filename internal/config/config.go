// Package config loads the camerad YAML configuration: the HTTP listener,
// retry and session tuning, and the device inventory with its credentials.
// Credentials stay inside this package's structs and are handed out only
// through CredentialFor; nothing here logs or persists them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"frankamera/camerad/internal/device"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr                string `yaml:"addr"`                   // e.g., ":8081"
	ReadHeaderTimeoutMs int    `yaml:"read_header_timeout_ms"` // header read budget
	ShutdownTimeoutMs   int    `yaml:"shutdown_timeout_ms"`    // graceful drain budget
}

// DispatchConfig tunes the command retry policy.
type DispatchConfig struct {
	RetryLimit    int `yaml:"retry_limit"`     // transient retries per command
	BaseBackoffMs int `yaml:"base_backoff_ms"` // first retry delay
	MaxBackoffMs  int `yaml:"max_backoff_ms"`  // backoff cap
	CallTimeoutMs int `yaml:"call_timeout_ms"` // per vendor call
}

// SessionConfig tunes session lifetime and lane queueing.
type SessionConfig struct {
	IdleTimeoutSec   int `yaml:"idle_timeout_sec"`   // evict after this much inactivity
	SweepIntervalSec int `yaml:"sweep_interval_sec"` // idle sweep cadence
	QueueSize        int `yaml:"queue_size"`         // per-device command queue
}

// DeviceConfig is one camera in the inventory.
type DeviceConfig struct {
	Name     string `yaml:"name"`    // caller-facing handle, unique
	Vendor   string `yaml:"vendor"`  // e.g., "hikvision"
	Address  string `yaml:"address"` // host or IP
	Port     uint16 `yaml:"port"`    // 0 = vendor default (80)
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Channel  int    `yaml:"channel"` // default channel for commands, 1-based
}

// Config aggregates all camerad configuration.
type Config struct {
	LogLevel    string         `yaml:"log_level"`    // zerolog level name
	DatabaseURL string         `yaml:"database_url"` // optional command journal
	Server      ServerConfig   `yaml:"server"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Sessions    SessionConfig  `yaml:"sessions"`
	Devices     []DeviceConfig `yaml:"devices"`

	byName     map[string]DeviceConfig
	byIdentity map[device.Identity]device.Credential
}

// Load reads a YAML file, applies defaults and validates the inventory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8081"
	}
	if cfg.Server.ReadHeaderTimeoutMs <= 0 {
		cfg.Server.ReadHeaderTimeoutMs = 5000
	}
	if cfg.Server.ShutdownTimeoutMs <= 0 {
		cfg.Server.ShutdownTimeoutMs = 10000
	}
	if cfg.Dispatch.RetryLimit < 0 {
		return nil, fmt.Errorf("dispatch.retry_limit must be >= 0, got %d", cfg.Dispatch.RetryLimit)
	}

	cfg.byName = make(map[string]DeviceConfig, len(cfg.Devices))
	cfg.byIdentity = make(map[device.Identity]device.Credential, len(cfg.Devices))
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Name == "" {
			return nil, fmt.Errorf("devices[%d]: name is required", i)
		}
		if d.Vendor == "" {
			return nil, fmt.Errorf("device %q: vendor is required", d.Name)
		}
		if d.Address == "" {
			return nil, fmt.Errorf("device %q: address is required", d.Name)
		}
		if d.Username == "" || d.Password == "" {
			return nil, fmt.Errorf("device %q: username and password are required", d.Name)
		}
		if d.Port == 0 {
			d.Port = 80
		}
		if d.Channel <= 0 {
			d.Channel = 1
		}

		if _, dup := cfg.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate device name %q", d.Name)
		}
		id := device.Normalize(device.Identity{Address: d.Address, Port: d.Port, Vendor: d.Vendor})
		if _, dup := cfg.byIdentity[id]; dup {
			return nil, fmt.Errorf("device %q: duplicate identity %s", d.Name, id)
		}
		cfg.byName[d.Name] = *d
		cfg.byIdentity[id] = device.Credential{Username: d.Username, Secret: d.Password}
	}

	return &cfg, nil
}

// ApplyEnv overrides file values from the environment, matching the
// deployment convention of configuring the listener and database per host.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
}

// Device returns the inventory entry for a caller-facing name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Identity returns the normalized identity for an inventory entry.
func (d DeviceConfig) Identity() device.Identity {
	return device.Normalize(device.Identity{Address: d.Address, Port: d.Port, Vendor: d.Vendor})
}

// CredentialFor resolves the configured credential for a device identity.
// Satisfies the dispatcher's credential source.
func (c *Config) CredentialFor(id device.Identity) (device.Credential, bool) {
	cred, ok := c.byIdentity[device.Normalize(id)]
	return cred, ok
}

func (c *Config) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.Server.ReadHeaderTimeoutMs) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutMs) * time.Millisecond
}

func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Dispatch.BaseBackoffMs) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Dispatch.MaxBackoffMs) * time.Millisecond
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Dispatch.CallTimeoutMs) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutSec) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sessions.SweepIntervalSec) * time.Second
}
