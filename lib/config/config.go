// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for long-running hosts.
	Production Environment = "production"
)

// Config is the master configuration for bucketsync binaries.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Transport TransportConfig `yaml:"transport"`
	Status    StatusConfig    `yaml:"status"`
	Log       LogConfig       `yaml:"log"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Store     *StoreConfig     `yaml:"store,omitempty"`
	Transport *TransportConfig `yaml:"transport,omitempty"`
	Log       *LogConfig       `yaml:"log,omitempty"`
}

// StoreConfig configures the bucket database.
type StoreConfig struct {
	// Path is the SQLite database file. Default: ${HOME}/.local/share/bucketsync/buckets.db
	Path string `yaml:"path"`

	// PoolSize is the number of SQLite connections. Default: 4
	PoolSize int `yaml:"pool_size"`

	// ProtocolVersion is the wire protocol the host speaks. A stored
	// table from another protocol is wiped on start. Default: 1
	ProtocolVersion uint32 `yaml:"protocol_version"`

	// DynamicPool reserves an id range for upstream-keyed buckets.
	// Unset disables the dynamic operations.
	DynamicPool *PoolConfig `yaml:"dynamic_pool,omitempty"`

	// MaxBucketSize is 255, or 256 for stores written by older hosts.
	// Default: 255
	MaxBucketSize int `yaml:"max_bucket_size"`

	// Debounce is the quiet period before waiters see a change.
	// Default: 100ms
	Debounce time.Duration `yaml:"debounce"`

	// PollInterval is how often the daemon looks for changes committed
	// by other processes. Default: 500ms
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PoolConfig is an inclusive bucket id range.
type PoolConfig struct {
	First int `yaml:"first"`
	Last  int `yaml:"last"`
}

// SyncConfig configures sync sessions.
type SyncConfig struct {
	// MaxActiveBuckets caps the active list sent to a peer. Default: 15
	MaxActiveBuckets int `yaml:"max_active_buckets"`

	// DefaultBufferSize is used when a peer's hello reports none.
	// Default: 128
	DefaultBufferSize int `yaml:"default_buffer_size"`
}

// TransportConfig configures how peers reach the daemon.
type TransportConfig struct {
	// ListenAddress is the TCP address to accept peers on.
	// Default: 127.0.0.1:7420
	ListenAddress string `yaml:"listen_address"`

	// AckTimeout bounds each packet acknowledgement. Default: 10s
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// WebRTC enables a second listener over data channels.
	WebRTC *WebRTCConfig `yaml:"webrtc,omitempty"`
}

// WebRTCConfig configures the data channel listener.
type WebRTCConfig struct {
	// Name identifies this host to the signaler.
	Name string `yaml:"name"`

	// SignalDirectory is shared with peers for offer/answer exchange.
	SignalDirectory string `yaml:"signal_directory"`

	// ICEServers are STUN/TURN URLs. Empty gathers host candidates only.
	ICEServers []string `yaml:"ice_servers,omitempty"`
}

// StatusConfig configures the sync status tracker.
type StatusConfig struct {
	// InactiveAfter is how long a silent peer is still waited for.
	// Default: 720h
	InactiveAfter time.Duration `yaml:"inactive_after"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Path:            "${HOME}/.local/share/bucketsync/buckets.db",
			PoolSize:        4,
			ProtocolVersion: 1,
			MaxBucketSize:   255,
			Debounce:        100 * time.Millisecond,
			PollInterval:    500 * time.Millisecond,
		},
		Sync: SyncConfig{
			MaxActiveBuckets:  15,
			DefaultBufferSize: 128,
		},
		Transport: TransportConfig{
			ListenAddress: "127.0.0.1:7420",
			AckTimeout:    10 * time.Second,
		},
		Status: StatusConfig{
			InactiveAfter: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the BUCKETSYNC_CONFIG environment
// variable. There is no fallback when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("BUCKETSYNC_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BUCKETSYNC_CONFIG environment variable not set; " +
			"set it to the path of your bucketsync.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc may carry comments and trailing commas.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// loadFile merges one file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so the stripped document decodes
		// with the same struct tags.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if store := overrides.Store; store != nil {
		if store.Path != "" {
			c.Store.Path = store.Path
		}
		if store.PoolSize != 0 {
			c.Store.PoolSize = store.PoolSize
		}
		if store.DynamicPool != nil {
			c.Store.DynamicPool = store.DynamicPool
		}
		if store.Debounce != 0 {
			c.Store.Debounce = store.Debounce
		}
		if store.PollInterval != 0 {
			c.Store.PollInterval = store.PollInterval
		}
	}

	if transport := overrides.Transport; transport != nil {
		if transport.ListenAddress != "" {
			c.Transport.ListenAddress = transport.ListenAddress
		}
		if transport.AckTimeout != 0 {
			c.Transport.AckTimeout = transport.AckTimeout
		}
		if transport.WebRTC != nil {
			c.Transport.WebRTC = transport.WebRTC
		}
	}

	if overrides.Log != nil && overrides.Log.Level != "" {
		c.Log.Level = overrides.Log.Level
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Store.Path = expandVars(c.Store.Path, vars)
	if c.Transport.WebRTC != nil {
		c.Transport.WebRTC.SignalDirectory = expandVars(c.Transport.WebRTC.SignalDirectory, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("store.pool_size must be at least 1"))
	}
	if c.Store.MaxBucketSize != 255 && c.Store.MaxBucketSize != 256 {
		errs = append(errs, fmt.Errorf("store.max_bucket_size must be 255 or 256"))
	}
	if pool := c.Store.DynamicPool; pool != nil {
		if pool.First < 0 || pool.Last > 255 || pool.First > pool.Last {
			errs = append(errs, fmt.Errorf("store.dynamic_pool must satisfy 0 <= first <= last <= 255, got %d..%d",
				pool.First, pool.Last))
		}
	}
	if c.Store.Debounce < 0 {
		errs = append(errs, fmt.Errorf("store.debounce must not be negative"))
	}
	if c.Store.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("store.poll_interval must be positive"))
	}

	if c.Sync.MaxActiveBuckets < 1 || c.Sync.MaxActiveBuckets > 255 {
		errs = append(errs, fmt.Errorf("sync.max_active_buckets must be between 1 and 255"))
	}
	if c.Sync.DefaultBufferSize < 1 {
		errs = append(errs, fmt.Errorf("sync.default_buffer_size must be positive"))
	}

	if c.Transport.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("transport.listen_address is required"))
	}
	if webrtc := c.Transport.WebRTC; webrtc != nil {
		if webrtc.Name == "" {
			errs = append(errs, fmt.Errorf("transport.webrtc.name is required"))
		}
		if webrtc.SignalDirectory == "" {
			errs = append(errs, fmt.Errorf("transport.webrtc.signal_directory is required"))
		}
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directory holding the database.
func (c *Config) EnsurePaths() error {
	directory := filepath.Dir(c.Store.Path)
	if err := os.MkdirAll(directory, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
