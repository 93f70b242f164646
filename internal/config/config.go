// SPDX-License-Identifier: MIT

// Package config loads runtime configuration for the backplane from
// environment variables, optionally overlaid by a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime options for a replica.
type Config struct {
	// HTTP surface
	ListenAddr string `yaml:"listen_addr"`

	// K/V store connection
	KVEndpoint string `yaml:"kv_endpoint"`
	KVPassword string `yaml:"kv_password"`
	KVDB       int    `yaml:"kv_db"`

	// Durable piece store
	DBPath string `yaml:"db_path"`

	// Core tunables
	LockTTL           time.Duration `yaml:"-"`
	CursorWindow      time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`
	OpDeadline        time.Duration `yaml:"-"`
	ShutdownGrace     time.Duration `yaml:"-"`
	KeepaliveInterval time.Duration `yaml:"-"`

	// Placement tolerances
	PositionTolerance float64 `yaml:"position_tolerance"`
	RotationTolerance float64 `yaml:"rotation_tolerance_degrees"`

	// Backplane
	ChannelPrefix string `yaml:"backplane_channel_prefix"`

	// Observability
	LogLevel      string  `yaml:"log_level"`
	OTelEnabled   bool    `yaml:"otel_enabled"`
	OTelExporter  string  `yaml:"otel_exporter"`
	OTelEndpoint  string  `yaml:"otel_endpoint"`
	OTelSampling  float64 `yaml:"otel_sampling"`
	ConfigFile    string  `yaml:"-"`
	LockTTLSecs   int     `yaml:"lock_ttl_seconds"`
	CursorMS      int     `yaml:"cursor_window_ms"`
	IdleSecs      int     `yaml:"idle_timeout_seconds"`
	DeadlineSecs  int     `yaml:"op_deadline_seconds"`
	GraceSecs     int     `yaml:"shutdown_grace_seconds"`
	KeepaliveSecs int     `yaml:"keepalive_interval_seconds"`
}

// Defaults per the protocol contract.
const (
	DefaultLockTTL           = 30 * time.Second
	DefaultCursorWindow      = 100 * time.Millisecond
	DefaultIdleTimeout       = 30 * time.Second
	DefaultOpDeadline        = 5 * time.Second
	DefaultShutdownGrace     = 15 * time.Second
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultPositionTolerance = 5.0
	DefaultRotationTolerance = 5.0
	DefaultChannelPrefix     = "puzzle-app"
)

// Load builds a Config from the environment, overlaying an optional YAML
// file named by PUZZLE_CONFIG_FILE. Environment variables win over the file.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        ":8080",
		KVEndpoint:        "localhost:6379",
		DBPath:            "backplane.db",
		LockTTLSecs:       int(DefaultLockTTL / time.Second),
		CursorMS:          int(DefaultCursorWindow / time.Millisecond),
		IdleSecs:          int(DefaultIdleTimeout / time.Second),
		DeadlineSecs:      int(DefaultOpDeadline / time.Second),
		GraceSecs:         int(DefaultShutdownGrace / time.Second),
		KeepaliveSecs:     int(DefaultKeepaliveInterval / time.Second),
		PositionTolerance: DefaultPositionTolerance,
		RotationTolerance: DefaultRotationTolerance,
		ChannelPrefix:     DefaultChannelPrefix,
		LogLevel:          "info",
		OTelExporter:      "grpc",
		OTelSampling:      1.0,
	}

	cfg.ConfigFile = ParseString("PUZZLE_CONFIG_FILE", "")
	if cfg.ConfigFile != "" {
		if err := cfg.mergeFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = ParseString("PUZZLE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.KVEndpoint = ParseString("PUZZLE_KV_ENDPOINT", cfg.KVEndpoint)
	cfg.KVPassword = ParseString("PUZZLE_KV_PASSWORD", cfg.KVPassword)
	cfg.KVDB = ParseInt("PUZZLE_KV_DB", cfg.KVDB)
	cfg.DBPath = ParseString("PUZZLE_DB_PATH", cfg.DBPath)
	cfg.LockTTLSecs = ParseInt("PUZZLE_LOCK_TTL_SECONDS", cfg.LockTTLSecs)
	cfg.CursorMS = ParseInt("PUZZLE_CURSOR_WINDOW_MS", cfg.CursorMS)
	cfg.IdleSecs = ParseInt("PUZZLE_IDLE_TIMEOUT_SECONDS", cfg.IdleSecs)
	cfg.DeadlineSecs = ParseInt("PUZZLE_OP_DEADLINE_SECONDS", cfg.DeadlineSecs)
	cfg.GraceSecs = ParseInt("PUZZLE_SHUTDOWN_GRACE_SECONDS", cfg.GraceSecs)
	cfg.KeepaliveSecs = ParseInt("PUZZLE_KEEPALIVE_INTERVAL_SECONDS", cfg.KeepaliveSecs)
	cfg.PositionTolerance = ParseFloat("PUZZLE_POSITION_TOLERANCE", cfg.PositionTolerance)
	cfg.RotationTolerance = ParseFloat("PUZZLE_ROTATION_TOLERANCE_DEGREES", cfg.RotationTolerance)
	cfg.ChannelPrefix = ParseString("PUZZLE_BACKPLANE_CHANNEL_PREFIX", cfg.ChannelPrefix)
	cfg.LogLevel = ParseString("PUZZLE_LOG_LEVEL", cfg.LogLevel)
	cfg.OTelEnabled = ParseBool("PUZZLE_OTEL_ENABLED", cfg.OTelEnabled)
	cfg.OTelExporter = ParseString("PUZZLE_OTEL_EXPORTER", cfg.OTelExporter)
	cfg.OTelEndpoint = ParseString("PUZZLE_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelSampling = ParseFloat("PUZZLE_OTEL_SAMPLING", cfg.OTelSampling)

	cfg.materialize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// materialize converts the integral second/millisecond fields into durations.
func (c *Config) materialize() {
	c.LockTTL = time.Duration(c.LockTTLSecs) * time.Second
	c.CursorWindow = time.Duration(c.CursorMS) * time.Millisecond
	c.IdleTimeout = time.Duration(c.IdleSecs) * time.Second
	c.OpDeadline = time.Duration(c.DeadlineSecs) * time.Second
	c.ShutdownGrace = time.Duration(c.GraceSecs) * time.Second
	c.KeepaliveInterval = time.Duration(c.KeepaliveSecs) * time.Second
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.KVEndpoint == "" {
		return fmt.Errorf("kv endpoint must not be empty")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive, got %s", c.LockTTL)
	}
	if c.CursorWindow <= 0 {
		return fmt.Errorf("cursor window must be positive, got %s", c.CursorWindow)
	}
	if c.OpDeadline <= 0 {
		return fmt.Errorf("op deadline must be positive, got %s", c.OpDeadline)
	}
	if c.PositionTolerance < 0 || c.RotationTolerance < 0 {
		return fmt.Errorf("tolerances must not be negative")
	}
	if c.KeepaliveInterval >= c.IdleTimeout {
		return fmt.Errorf("keepalive interval (%s) must be shorter than idle timeout (%s)",
			c.KeepaliveInterval, c.IdleTimeout)
	}
	return nil
}
