// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mcproxy holds the process level configuration of the mcproxy binary.
// Routes are configured separately in the YAML file named by ConfigFile.
package mcproxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every mcproxy environment variable.
const EnvPrefix = "MCPROXY_"

var errInvalidEnv = errors.New("invalid environment configuration")

// Config is the process configuration read from the environment.
type Config struct {
	ConfigFile string `env:"CONFIG_FILE" envDefault:"./config/mcproxy.yaml"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// AdminAddress serves /metrics and /health; AdminDisabled turns it off.
	AdminAddress string `env:"ADMIN_ADDRESS" envDefault:":9090"`

	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"   envDefault:"30s"`
	ResolveTimeout   time.Duration `env:"RESOLVE_TIMEOUT"    envDefault:"2s"`
	DialTimeout      time.Duration `env:"DIAL_TIMEOUT"       envDefault:"10s"`
	MaxHandshakeSize int           `env:"MAX_HANDSHAKE_SIZE" envDefault:"32768"`

	// AcceptRate is in connections per second per listener; 0 is unlimited.
	AcceptRate          float64 `env:"ACCEPT_RATE"           envDefault:"0"`
	AcceptProxyProtocol bool    `env:"ACCEPT_PROXY_PROTOCOL" envDefault:"false"`

	// Per-client limiter; a zero capacity or refill disables it.
	ClientRateCapacity   int64 `env:"CLIENT_RATE_CAPACITY"    envDefault:"0"`
	ClientRateRefill     int64 `env:"CLIENT_RATE_REFILL"      envDefault:"0"`
	ClientRateMaxClients int   `env:"CLIENT_RATE_MAX_CLIENTS" envDefault:"10000"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

// NewConfig parses the environment with opts and validates the result.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// AdminDisabled is the AdminAddress value that disables the admin server.
const AdminDisabled = "off"

// AdminEnabled reports whether the admin HTTP server should run.
func (c Config) AdminEnabled() bool {
	return c.AdminAddress != "" && c.AdminAddress != AdminDisabled
}

// ClientRateLimited reports whether the per-client limiter is enabled.
func (c Config) ClientRateLimited() bool {
	return c.ClientRateCapacity > 0 && c.ClientRateRefill > 0
}

// Validate checks value ranges the env parser cannot express.
func (c Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.ConfigFile == "" {
		errs = append(errs, errors.New("config file path is empty"))
	}
	if c.MaxHandshakeSize <= 0 {
		errs = append(errs, fmt.Errorf("max handshake size %d must be positive", c.MaxHandshakeSize))
	}
	if c.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("accept rate %v must not be negative", c.AcceptRate))
	}
	if c.ShutdownTimeout <= 0 || c.ResolveTimeout <= 0 || c.DialTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{errInvalidEnv}, errs...)...)
	}
	return nil
}
