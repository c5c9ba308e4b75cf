// Package config loads the runtime configuration of lspd from the environment
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config for lspd. Defaults are provided via struct tags; a YAML file
// overrides the environment.
type Config struct {
	// LogLevel is one of debug, info, warn or error. ENV: LSPD_LOG_LEVEL
	LogLevel string `env:"LSPD_LOG_LEVEL,default=info" yaml:"logLevel"`
	// Watch enables server-side file watching. ENV: LSPD_WATCH
	Watch bool `env:"LSPD_WATCH,default=false" yaml:"watch"`
	// Registrations selects the registration ledger backend: memory or redis.
	// ENV: LSPD_REGISTRATIONS
	Registrations string `env:"LSPD_REGISTRATIONS,default=memory" yaml:"registrations"`
	Redis         Redis  `yaml:"redis"`
}

// Redis configures the redis registration ledger.
type Redis struct {
	// Addr like "localhost:6379". ENV: LSPD_REDIS_ADDR
	Addr string `env:"LSPD_REDIS_ADDR,default=localhost:6379" yaml:"addr"`
	// KeyPrefix for all keys. ENV: LSPD_REDIS_PREFIX
	KeyPrefix string `env:"LSPD_REDIS_PREFIX,default=lspd:registrations:" yaml:"keyPrefix"`
	// TTL of a session's ledger. ENV: LSPD_REDIS_TTL
	TTL time.Duration `env:"LSPD_REDIS_TTL,default=24h" yaml:"ttl"`
}

// Load decodes the environment and then, when path is not empty, the YAML
// file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read configuration file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse configuration file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Registrations {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown registrations backend %q", c.Registrations)
	}
	return nil
}

// Level returns the slog level of LogLevel. Invalid values yield info.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel maps a level name onto slog. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
