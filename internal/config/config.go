// Package config is the server's configuration surface: built-in defaults,
// an optional YAML file, and CMDBRIDGE_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("30s") or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			*d = Duration(time.Duration(secs * float64(time.Second)))
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every tunable the execution core consumes. All of these are
// defaults, not protocol-fixed constants.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	MaxSessions        int      `yaml:"max_sessions"`
	SessionIdleTimeout Duration `yaml:"session_idle_timeout"`

	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
	HeartbeatMultiplier int      `yaml:"heartbeat_multiplier"`
	ReconnectTokenTTL   Duration `yaml:"reconnect_token_ttl"`
	AcceptTimeout       Duration `yaml:"accept_timeout"`

	StreamChunkSize    int      `yaml:"stream_chunk_size"`
	OutputByteCap      int64    `yaml:"output_byte_cap"`
	QueueCapacity      int      `yaml:"queue_capacity"`
	MaxLineLength      int      `yaml:"max_line_length"`
	DefaultExecTimeout Duration `yaml:"default_exec_timeout"`
	KillGraceTimeout   Duration `yaml:"kill_grace_timeout"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Listen:              ":8420",
		LogLevel:            "info",
		MaxSessions:         100,
		SessionIdleTimeout:  Duration(3600 * time.Second),
		HeartbeatInterval:   Duration(30 * time.Second),
		HeartbeatMultiplier: 2,
		ReconnectTokenTTL:   Duration(300 * time.Second),
		AcceptTimeout:       Duration(10 * time.Second),
		StreamChunkSize:     8 * 1024,
		OutputByteCap:       8 * 1024 * 1024,
		QueueCapacity:       100,
		MaxLineLength:       64 * 1024,
		DefaultExecTimeout:  Duration(120 * time.Second),
		KillGraceTimeout:    Duration(5 * time.Second),
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg.withEnv(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withEnv(), nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg = cfg.withEnv()
	return cfg, cfg.Validate()
}

// withEnv applies CMDBRIDGE_* environment overrides.
func (c Config) withEnv() Config {
	if v := os.Getenv("CMDBRIDGE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CMDBRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CMDBRIDGE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessions = n
		}
	}
	if v := os.Getenv("CMDBRIDGE_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = Duration(d)
		}
	}
	return c
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.HeartbeatMultiplier < 1 {
		return fmt.Errorf("heartbeat_multiplier must be at least 1, got %d", c.HeartbeatMultiplier)
	}
	if c.StreamChunkSize <= 0 {
		return fmt.Errorf("stream_chunk_size must be positive, got %d", c.StreamChunkSize)
	}
	if c.OutputByteCap <= 0 {
		return fmt.Errorf("output_byte_cap must be positive, got %d", c.OutputByteCap)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	return nil
}
