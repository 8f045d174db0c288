// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package cardhost implements the cardhost agent: the process that owns a
// smart-card backend, keeps an authenticated WebSocket to the router, and
// answers relayed rpc-requests.
package cardhost

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendMock selects the in-process mock card. It is the only backend
// shipped in-tree; real reader stacks plug in through the Backend seam.
const BackendMock = "mock"

// Config tunes the agent's connection to the router.
type Config struct {
	RouterURL        string // base URL, http(s) or ws(s) scheme
	KeyFile          string // Ed25519 private key, created on first run
	Backend          string // card stack to serve, e.g. "mock"
	PingInterval     time.Duration
	ReconnectMin     time.Duration // backoff floor after a failure
	ReconnectMax     time.Duration // backoff ceiling
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the agent defaults used when a field is absent
// from the config file.
func DefaultConfig() *Config {
	return &Config{
		RouterURL:        "ws://localhost:3000",
		KeyFile:          "cardhost.key",
		Backend:          BackendMock,
		PingInterval:     30 * time.Second,
		ReconnectMin:     time.Second,
		ReconnectMax:     time.Minute,
		HandshakeTimeout: 10 * time.Second,
	}
}

// LoadConfig reads a YAML config file. Durations are written as strings in
// time.ParseDuration syntax ("30s", "1m"). Absent fields keep their
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw struct {
		RouterURL        string `yaml:"router_url"`
		KeyFile          string `yaml:"key_file"`
		Backend          string `yaml:"backend"`
		PingInterval     string `yaml:"ping_interval"`
		ReconnectMin     string `yaml:"reconnect_min"`
		ReconnectMax     string `yaml:"reconnect_max"`
		HandshakeTimeout string `yaml:"handshake_timeout"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	cfg := DefaultConfig()
	if raw.RouterURL != "" {
		cfg.RouterURL = raw.RouterURL
	}
	if raw.KeyFile != "" {
		cfg.KeyFile = raw.KeyFile
	}
	if raw.Backend != "" {
		cfg.Backend = raw.Backend
	}
	if cfg.PingInterval, err = durationField(raw.PingInterval, "ping_interval", cfg.PingInterval); err != nil {
		return nil, err
	}
	if cfg.ReconnectMin, err = durationField(raw.ReconnectMin, "reconnect_min", cfg.ReconnectMin); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax, err = durationField(raw.ReconnectMax, "reconnect_max", cfg.ReconnectMax); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout, err = durationField(raw.HandshakeTimeout, "handshake_timeout", cfg.HandshakeTimeout); err != nil {
		return nil, err
	}

	if cfg.Backend != BackendMock {
		return nil, fmt.Errorf("unknown backend %q (supported: %s)", cfg.Backend, BackendMock)
	}
	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		return nil, fmt.Errorf("reconnect_min %s and reconnect_max %s do not form a valid backoff window",
			cfg.ReconnectMin, cfg.ReconnectMax)
	}
	return cfg, nil
}

func durationField(raw, name string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
