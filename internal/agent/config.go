/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capfleet/capfleet/internal/protocol"
)

// Duration is a time.Duration that YAML-decodes from "30s" style strings or
// bare integers (seconds).
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Second)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the agent's on-disk configuration. It is read-write: the
// coordinator assigns the device identity on first registration and the
// agent persists it here so the device survives restarts as itself.
type Config struct {
	ServerURL  string `yaml:"server_url"`
	DeviceName string `yaml:"device_name"`
	// DeviceID is assigned by the coordinator; empty until first contact.
	DeviceID string `yaml:"device_id,omitempty"`

	RecordingsDir string `yaml:"recordings_dir"`
	// MaxCacheBytes caps local recording storage; the oldest recordings are
	// pruned past it. 0 disables pruning.
	MaxCacheBytes int64 `yaml:"max_cache_bytes"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ReconnectInitial  Duration `yaml:"reconnect_initial"`
	ReconnectMax      Duration `yaml:"reconnect_max"`

	Audio protocol.AudioConfig `yaml:"audio"`

	// Optional S3 archive for finished recordings.
	S3 S3Config `yaml:"s3"`

	path string
}

// S3Config mirrors storage.S3Options in YAML form.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// DefaultConfig returns a config with fleet defaults applied.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		ServerURL:         "ws://localhost:8080/ws/edge",
		DeviceName:        hostname,
		RecordingsDir:     "./recordings",
		MaxCacheBytes:     2 << 30, // 2 GiB
		HeartbeatInterval: Duration(30 * time.Second),
		ReconnectInitial:  Duration(time.Second),
		ReconnectMax:      Duration(30 * time.Second),
		Audio:             protocol.DefaultAudioConfig(),
	}
}

// LoadConfig reads the config file, filling defaults for absent fields. A
// missing file yields pure defaults; it is created on the first Save.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("reconnect delays must satisfy 0 < initial <= max")
	}
	return nil
}

// Save writes the config back to its file.
func (c *Config) Save() error {
	if c.path == "" {
		return nil
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
