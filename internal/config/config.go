/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string

	DBBackend DatabaseBackend
	DBDSN     string

	// Fleet liveness tuning. HeartbeatTimeout defaults to three times the
	// heartbeat interval when not set explicitly.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SweepInterval     time.Duration

	// Transport-level keepalive on the device gateway. Deliberately strict:
	// a device that cannot answer a ping within the pong window is treated
	// as disconnected.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Optional NATS mirror for broadcast events. Empty disables it.
	NATSURL string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Recording storage hand-off
	RecordingsDir  string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3UsePathStyle bool
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("CAPFLEET_ENV", "development"),
		HTTPBind:    getEnv("CAPFLEET_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("CAPFLEET_HTTP_PORT", 8080),
		MetricsBind: getEnv("CAPFLEET_METRICS_BIND", "127.0.0.1:9000"),

		DBBackend: DatabaseBackend(getEnv("CAPFLEET_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:     getEnv("CAPFLEET_DB_DSN", "capfleet.db"),

		HeartbeatInterval: getEnvDuration("CAPFLEET_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("CAPFLEET_HEARTBEAT_TIMEOUT", 0),
		SweepInterval:     getEnvDuration("CAPFLEET_SWEEP_INTERVAL", 30*time.Second),

		PingInterval: getEnvDuration("CAPFLEET_PING_INTERVAL", 2*time.Second),
		PongTimeout:  getEnvDuration("CAPFLEET_PONG_TIMEOUT", 6*time.Second),

		NATSURL: getEnv("CAPFLEET_NATS_URL", ""),

		TracingEnabled:    getEnvBool("CAPFLEET_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("CAPFLEET_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("CAPFLEET_TRACING_SAMPLE_RATE", 1.0),

		RecordingsDir:  getEnv("CAPFLEET_RECORDINGS_DIR", "./recordings"),
		S3Bucket:       getEnv("CAPFLEET_S3_BUCKET", ""),
		S3Region:       getEnv("CAPFLEET_S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("CAPFLEET_S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("CAPFLEET_S3_USE_PATH_STYLE", false),
	}

	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBBackend {
	case DatabasePostgres, DatabaseMySQL, DatabaseSQLite:
	default:
		return fmt.Errorf("unknown database backend: %s", c.DBBackend)
	}

	if c.DBDSN == "" {
		return fmt.Errorf("CAPFLEET_DB_DSN is required")
	}

	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed the heartbeat interval (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}

	if c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("pong timeout (%s) must exceed the ping interval (%s)",
			c.PongTimeout, c.PingInterval)
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be within [0,1], got %f", c.TracingSampleRate)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are treated as seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
