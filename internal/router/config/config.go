// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the router configuration loaded from environment variables.
type Config struct {
	// Listen settings
	Host string // bind address, e.g. "0.0.0.0"
	Port int

	// Protocol timings
	RelayTimeout       time.Duration // pending RPC relay deadline
	ChallengeTTL       time.Duration // auth challenge lifetime
	SessionTTL         time.Duration // absolute session lifetime
	SessionIdleTimeout time.Duration // idle session reap threshold
	CleanupInterval    time.Duration // background sweep period
	WriteTimeout       time.Duration // per-frame socket write deadline

	Features Features
}

// Features holds optional feature flags.
type Features struct {
	// MetricsEnabled exposes Prometheus metrics on /metrics. Off by
	// default: every path beyond the documented ones answers 404.
	MetricsEnabled bool
}

// Load creates a Config from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getInt("PORT", 3000),
		RelayTimeout:       getDuration("CARDWIRE_RELAY_TIMEOUT", 30*time.Second),
		ChallengeTTL:       getDuration("CARDWIRE_CHALLENGE_TTL", 5*time.Minute),
		SessionTTL:         getDuration("CARDWIRE_SESSION_TTL", time.Hour),
		SessionIdleTimeout: getDuration("CARDWIRE_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		CleanupInterval:    getDuration("CARDWIRE_CLEANUP_INTERVAL", time.Minute),
		WriteTimeout:       getDuration("CARDWIRE_WRITE_TIMEOUT", 10*time.Second),
		Features: Features{
			MetricsEnabled: getBool("METRICS_ENABLED", false),
		},
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt retrieves an integer environment variable or returns a default value.
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getDuration retrieves a duration environment variable or returns a default value.
// The environment variable should be in a format parseable by time.ParseDuration.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getBool retrieves a boolean environment variable or returns a default value.
func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
