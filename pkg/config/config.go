// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the route configuration file.
//
// Example:
//
//	handshake_timeout_ms: 10000
//	servers:
//	  - listen: 0.0.0.0:25565
//	    server_names: [mc.example.com]
//	    proxy_pass: 127.0.0.1:7878
//	    buffer_size: 8192
//	    send_proxy_protocol: false
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/mcproxy/pkg/route"
	"gopkg.in/yaml.v3"
)

// DefaultHandshakeTimeout applies when handshake_timeout_ms is not set.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the route configuration file.
type Config struct {
	HandshakeTimeoutMS uint64   `yaml:"handshake_timeout_ms,omitempty"`
	Servers            []Server `yaml:"servers"`
}

// Server is one virtual host entry.
type Server struct {
	Listen            string   `yaml:"listen"`
	ServerNames       []string `yaml:"server_names"`
	ProxyPass         string   `yaml:"proxy_pass"`
	BufferSize        int      `yaml:"buffer_size,omitempty"`
	SendProxyProtocol bool     `yaml:"send_proxy_protocol,omitempty"`
}

// Default returns the configuration written when no file exists.
func Default() Config {
	return Config{
		HandshakeTimeoutMS: 30000,
		Servers: []Server{
			{
				Listen:      "0.0.0.0:25565",
				ServerNames: []string{"mcproxy.localhost"},
				ProxyPass:   "127.0.0.1:7878",
			},
		},
	}
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrCreate loads path, or writes and returns Default when the file does
// not exist. created reports whether a new file was written.
func LoadOrCreate(path string) (cfg Config, created bool, err error) {
	cfg, err = Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, false, err
	}

	cfg = Default()
	if err := Write(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("config not found, failed to generate a new one: %w", err)
	}
	return cfg, true, nil
}

// Write marshals cfg to path, creating the parent directory.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Validate checks every server entry.
func (c Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("%w: no servers configured", ErrInvalidConfig)
	}

	var errs []error
	for i, s := range c.Servers {
		if _, _, err := net.SplitHostPort(s.Listen); err != nil {
			errs = append(errs, fmt.Errorf("%w: servers[%d].listen %q: %v", ErrInvalidConfig, i, s.Listen, err))
		}
		if _, _, err := net.SplitHostPort(s.ProxyPass); err != nil {
			errs = append(errs, fmt.Errorf("%w: servers[%d].proxy_pass %q: %v", ErrInvalidConfig, i, s.ProxyPass, err))
		}
		if len(s.ServerNames) == 0 {
			errs = append(errs, fmt.Errorf("%w: servers[%d] has no server_names", ErrInvalidConfig, i))
		}
		for _, name := range s.ServerNames {
			if route.Normalize(name) == "" {
				errs = append(errs, fmt.Errorf("%w: servers[%d] has an empty server name", ErrInvalidConfig, i))
			}
		}
		if s.BufferSize < 0 {
			errs = append(errs, fmt.Errorf("%w: servers[%d].buffer_size must be positive", ErrInvalidConfig, i))
		}
	}
	return errors.Join(errs...)
}

// HandshakeTimeout returns the configured handshake timeout.
func (c Config) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutMS == 0 {
		return DefaultHandshakeTimeout
	}
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// Routes converts the server entries into routes, in file order.
func (c Config) Routes() []route.Route {
	routes := make([]route.Route, 0, len(c.Servers))
	for _, s := range c.Servers {
		routes = append(routes, route.Route{
			Listen:            s.Listen,
			ServerNames:       append([]string(nil), s.ServerNames...),
			ProxyPass:         s.ProxyPass,
			BufferSize:        s.BufferSize,
			SendProxyProtocol: s.SendProxyProtocol,
		})
	}
	return routes
}

// ListenAddresses returns each distinct listen address once, in file order.
func (c Config) ListenAddresses() []string {
	seen := make(map[string]struct{}, len(c.Servers))
	var out []string
	for _, s := range c.Servers {
		if _, ok := seen[s.Listen]; ok {
			continue
		}
		seen[s.Listen] = struct{}{}
		out = append(out, s.Listen)
	}
	return out
}
