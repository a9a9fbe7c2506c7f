// Package config loads the host runtime configuration from TOML.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/scribe/internal/domain/health"
)

// Config is the host runtime configuration.
type Config struct {
	LogLevel  string          `toml:"log_level"`
	Namespace string          `toml:"namespace"`
	Health    HealthConfig    `toml:"health"`
	Storage   StorageConfig   `toml:"storage"`
	Messaging MessagingConfig `toml:"messaging"`
}

// HealthConfig tunes the health policy.
type HealthConfig struct {
	DegradedAfter  int    `toml:"degraded_after"`
	UnhealthyAfter int    `toml:"unhealthy_after"`
	TickInterval   string `toml:"tick_interval"`
}

// Interval parses the tick interval, falling back to the policy default.
func (h HealthConfig) Interval() time.Duration {
	if h.TickInterval == "" {
		return health.DefaultPolicy().TickInterval
	}
	d, err := time.ParseDuration(h.TickInterval)
	if err != nil || d <= 0 {
		return health.DefaultPolicy().TickInterval
	}
	return d
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite" or "redis".
	Driver string `toml:"driver"`
	// Path is the database file for the sqlite driver.
	Path string `toml:"path"`
	// Addr and DB configure the redis driver.
	Addr string `toml:"addr"`
	DB   int    `toml:"db"`
}

// MessagingConfig tunes the message bus.
type MessagingConfig struct {
	RequestTimeout string `toml:"request_timeout"`
}

// Timeout parses the default request timeout.
func (m MessagingConfig) Timeout() time.Duration {
	if m.RequestTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(m.RequestTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		Namespace: "scribe",
		Storage:   StorageConfig{Driver: "memory"},
	}
}

// Load reads and parses a TOML config file. A missing file yields the
// default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the sqlite driver")
	}
	if c.Storage.Driver == "redis" && c.Storage.Addr == "" {
		return fmt.Errorf("storage.addr is required for the redis driver")
	}
	if c.Health.DegradedAfter < 0 || c.Health.UnhealthyAfter < 0 {
		return fmt.Errorf("health thresholds cannot be negative")
	}
	return nil
}

// Policy converts the health section into a policy, applying defaults for
// unset thresholds.
func (c *Config) Policy() health.Policy {
	p := health.DefaultPolicy()
	if c.Health.DegradedAfter > 0 {
		p.DegradedAfter = c.Health.DegradedAfter
	}
	if c.Health.UnhealthyAfter > 0 {
		p.UnhealthyAfter = c.Health.UnhealthyAfter
	}
	p.TickInterval = c.Health.Interval()
	return p
}

// Fingerprint returns the blake3 hex digest of the config file, used to
// detect configuration drift between restarts.
func Fingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
