// Package config loads the coordinator configuration from YAML.
//
// Config file locations (priority order):
//  1. $ENTITYTX_CONFIG
//  2. ./entitytx.yaml
//  3. ~/.config/entitytx/config.yaml
//
// Missing values fall back to DefaultConfig.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"entitytx/pkg/cache"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
	"entitytx/pkg/store"
)

const (
	EngineMemory = "memory"
	EngineSQLite = "sqlite"

	DefaultLockTimeout   = 2 * time.Second
	DefaultCacheCapacity = 1024
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, dberror.Wrap(err, dberror.CodeConfig, "LoadFromPath", "Config")
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, dberror.Wrap(err, dberror.CodeConfig, "Parse", "Config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return dberror.Wrap(err, dberror.CodeConfig, "Save", "Config")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return dberror.Wrap(err, dberror.CodeConfig, "Save", "Config")
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return dberror.Wrap(err, dberror.CodeConfig, "Save", "Config")
	}
	return nil
}

// DefaultConfig returns the configuration used when no file is found:
// in-memory store, 2s lock timeout, refresh cache with no cacheable kinds.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Store.Engine == "" {
		c.Store.Engine = EngineMemory
	}
	if c.Locks.Timeout == nil {
		d := Duration(DefaultLockTimeout)
		c.Locks.Timeout = &d
	}
	if c.Cache.Policy == "" {
		c.Cache.Policy = cache.PolicyRefresh.String()
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = DefaultCacheCapacity
	}
	if c.Logging.Level == "" {
		c.Logging.Level = string(logging.LevelWarn)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks every enumerated value and the ownership table.
func (c *Config) Validate() error {
	switch c.Store.Engine {
	case EngineMemory, EngineSQLite:
	default:
		return dberror.Newf(dberror.ErrConfig, "Validate", "Config", "unknown store engine %q", c.Store.Engine).
			WithHint("use memory or sqlite")
	}

	if _, err := cache.ParsePolicy(c.Cache.Policy); err != nil {
		return dberror.Newf(dberror.ErrConfig, "Validate", "Config", "%v", err).
			WithHint("use refresh or invalidate")
	}
	if c.Cache.TTL < 0 {
		return dberror.Newf(dberror.ErrConfig, "Validate", "Config", "negative cache ttl %s", c.Cache.TTL.Duration())
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return dberror.Newf(dberror.ErrConfig, "Validate", "Config", "%v", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return dberror.Newf(dberror.ErrConfig, "Validate", "Config", "unknown log format %q", c.Logging.Format)
	}

	if _, err := store.NewRules(c.Ownership...); err != nil {
		return dberror.Newf(dberror.ErrConfig, "Validate", "Config", "ownership: %v", err)
	}
	return nil
}

// LockTimeout returns the timeout for pessimistic lock acquisition.
func (c *Config) LockTimeout() time.Duration {
	if c.Locks.Timeout == nil {
		return DefaultLockTimeout
	}
	return c.Locks.Timeout.Duration()
}

// Rules builds the ownership table.
func (c *Config) Rules() (*store.Rules, error) {
	return store.NewRules(c.Ownership...)
}

// CacheOptions converts the cache section into cache.Options.
func (c *Config) CacheOptions() cache.Options {
	policy, _ := cache.ParsePolicy(c.Cache.Policy)

	kinds := make([]primitives.EntityKind, len(c.Cache.Kinds))
	for i, k := range c.Cache.Kinds {
		kinds[i] = primitives.EntityKind(k)
	}

	return cache.Options{
		Kinds:    kinds,
		Policy:   policy,
		Capacity: c.Cache.Capacity,
		TTL:      c.Cache.TTL.Duration(),
	}
}

// LoggerConfig converts the logging section into logging.Config.
func (c *Config) LoggerConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:      level,
		OutputPath: c.Logging.Output,
		Format:     c.Logging.Format,
	}
}
