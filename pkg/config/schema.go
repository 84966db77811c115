package config

import (
	"time"

	"entitytx/pkg/store"
)

// Config is the root of the configuration file.
type Config struct {
	Store     StoreConfig   `yaml:"store"`
	Locks     LockConfig    `yaml:"locks"`
	Cache     CacheConfig   `yaml:"cache"`
	Ownership []store.Rule  `yaml:"ownership,omitempty"`
	Logging   LoggingConfig `yaml:"logging"`
}

// StoreConfig selects the persistence engine
type StoreConfig struct {
	Engine string `yaml:"engine"`         // memory or sqlite
	Path   string `yaml:"path,omitempty"` // sqlite database file; empty for in-memory
}

// LockConfig holds pessimistic locking settings
type LockConfig struct {
	Timeout         *Duration `yaml:"timeout,omitempty"` // zero or less never waits
	DetectDeadlocks bool      `yaml:"detect_deadlocks"`
}

// CacheConfig holds second-level cache settings
type CacheConfig struct {
	Kinds    []string `yaml:"kinds,omitempty"` // cacheable entity kinds
	Policy   string   `yaml:"policy"`          // refresh or invalidate
	Capacity int      `yaml:"capacity"`
	TTL      Duration `yaml:"ttl,omitempty"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`           // text or json
	Output string `yaml:"output,omitempty"` // file path; empty for stderr
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
