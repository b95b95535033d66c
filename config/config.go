// Package config loads muxrpc settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/go-playground/validator.v9"
	"gopkg.in/yaml.v2"

	"muxrpc/logging"
)

var validate = validator.New()

// Address is one endpoint to listen on or dial.
type Address struct {
	Network string `yaml:"network" validate:"required,oneof=unix tcp vsock"`
	Address string `yaml:"address" validate:"required"`
}

// RateLimit caps the calls a server accepts per second. A zero Rate disables it.
type RateLimit struct {
	Rate  float64 `yaml:"rate" validate:"min=0"`
	Burst int     `yaml:"burst" validate:"min=0"`
}

type Config struct {
	Addresses []Address `yaml:"addresses" validate:"required,min=1,dive"`
	Codec     string    `yaml:"codec" validate:"oneof=binary json"`

	// Client side: deadline applied to calls whose context has none.
	CallTimeout time.Duration `yaml:"call_timeout" validate:"min=0"`
	// Server side: deadline for each handler, on top of the caller's informational timeout.
	HandlerTimeout  time.Duration `yaml:"handler_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`

	RateLimit   RateLimit      `yaml:"rate_limit"`
	Log         logging.Config `yaml:"log"`
	MetricsAddr string         `yaml:"metrics_addr"`
}

// Default returns a configuration serving on a unix socket with the binary codec.
func Default() *Config {
	return &Config{
		Addresses:       []Address{{Network: "unix", Address: "/run/muxrpc/muxrpc.sock"}},
		Codec:           "binary",
		CallTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Log:             logging.Config{Level: "info", Format: "json"},
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("config: rate_limit.burst must be positive when rate_limit.rate is set")
	}
	return nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}
