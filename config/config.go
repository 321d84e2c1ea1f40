// Package config loads the load generator's settings from an optional YAML
// file and command line flags. Flags always win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/pushload/harness"
	"github.com/cyberinferno/pushload/logger"
)

// Config represents the load generator configuration
type Config struct {
	Load    LoadConfig    `yaml:"load"`
	Logging LoggingConfig `yaml:"logging"`
	Stats   StatsConfig   `yaml:"stats"`
}

// LoadConfig describes the simulated clients
type LoadConfig struct {
	Address        string        `yaml:"address"`
	// Count and UID have no sensible default, so unset values are kept
	// distinct from 0.
	Count          *int          `yaml:"count"`
	UID            *int64        `yaml:"uid"`
	IdentityMode   string        `yaml:"identity_mode"` // shared, sequential
	RampRate       float64       `yaml:"ramp_rate"`
	RampBurst      int           `yaml:"ramp_burst"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`   // empty logs to stderr only
}

// StatsConfig contains the optional Redis stats sink settings
type StatsConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key"`
	Interval  time.Duration `yaml:"interval"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Load: LoadConfig{
			IdentityMode:   string(harness.IdentityShared),
			ConnectTimeout: 10 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Stats: StatsConfig{
			RedisKey: "pushload",
			Interval: 5 * time.Second,
		},
	}
}

// Load reads the configuration file at path on top of Default. The result is
// not validated since flags may still complete it.
//
// Parameters:
//   - path: YAML file to read
//
// Returns:
//   - The merged configuration
//   - An error if the file cannot be read or parsed
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.Load.Count == nil {
		errs = append(errs, errors.New("count is required"))
	}
	if c.Load.UID == nil {
		errs = append(errs, errors.New("uid is required"))
	}
	if err := c.Harness().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	if c.Stats.RedisAddr != "" {
		if c.Stats.RedisKey == "" {
			errs = append(errs, errors.New("redis key is required with a redis address"))
		}
		if c.Stats.Interval <= 0 {
			errs = append(errs, errors.New("stats interval must be positive"))
		}
	}

	return errors.Join(errs...)
}

// Harness converts the load settings into a harness configuration.
func (c *Config) Harness() harness.Config {
	var count int
	if c.Load.Count != nil {
		count = *c.Load.Count
	}
	var uid int64
	if c.Load.UID != nil {
		uid = *c.Load.UID
	}

	mode, err := harness.ParseIdentityMode(c.Load.IdentityMode)
	if err != nil {
		// Left as is so harness validation reports it.
		mode = harness.IdentityMode(c.Load.IdentityMode)
	}

	return harness.Config{
		Address:        c.Load.Address,
		Count:          count,
		UID:            uid,
		IdentityMode:   mode,
		RampRate:       c.Load.RampRate,
		RampBurst:      c.Load.RampBurst,
		ConnectTimeout: c.Load.ConnectTimeout,
		WriteTimeout:   c.Load.WriteTimeout,
		ReadTimeout:    c.Load.ReadTimeout,
	}
}
