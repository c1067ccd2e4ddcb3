// Package config loads process configuration from environment variables,
// with an optional YAML file layer applied before env-var overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the external interfaces section:
// tick scheduling, buffer/queue bounds, bind address, frame size, shutdown
// grace, plus operability knobs not named in the distilled spec.
type Config struct {
	TickPeriodMS          int
	ControlTickDivisor    int
	BufferMax             int
	PerSubscriberQueueMax int
	WSHost                string
	WSPort                int
	MaxFrameBytes         int
	ShutdownGraceMS       int
	LogLevel              string
	MaxConnections        int
	ConnectionGraceMS     int

	// AuditDBDriver/AuditDBDSN select the optional audit mirror sink
	// ("sqlite", "postgres", or "" to disable it).
	AuditDBDriver string
	AuditDBDSN    string

	// SeedRealms is an optional static list of realm defaults loaded from
	// the YAML config file, applied before any WS registration occurs.
	SeedRealms []SeedRealm
}

// SeedRealm is a realm preset for local development, read from an
// optional YAML config file.
type SeedRealm struct {
	GameID        string `yaml:"game_id"`
	RealmID       string `yaml:"realm_id"`
	DeveloperName string `yaml:"developer_name"`
	Description   string `yaml:"description"`
}

type fileLayer struct {
	TickPeriodMS          *int        `yaml:"tick_period_ms"`
	ControlTickDivisor    *int        `yaml:"control_tick_divisor"`
	BufferMax             *int        `yaml:"buffer_max"`
	PerSubscriberQueueMax *int        `yaml:"per_subscriber_queue_max"`
	SeedRealms            []SeedRealm `yaml:"seed_realms"`
}

// ErrConfig indicates a configuration value failed validation; callers
// should exit with code 1 on this error.
var ErrConfig = fmt.Errorf("config: invalid configuration")

// TickPeriod returns TickPeriodMS as a time.Duration.
func (c Config) TickPeriod() time.Duration {
	return time.Duration(c.TickPeriodMS) * time.Millisecond
}

// ShutdownGrace returns ShutdownGraceMS as a time.Duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

// ConnectionGrace returns ConnectionGraceMS as a time.Duration.
func (c Config) ConnectionGrace() time.Duration {
	return time.Duration(c.ConnectionGraceMS) * time.Millisecond
}

// Addr returns the bind address in host:port form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WSHost, c.WSPort)
}

// Load builds a Config from the process environment, optionally layering
// a YAML file read from configPath first (configPath == "" skips the
// file layer entirely).
func Load(configPath string) (Config, error) {
	c := Config{
		TickPeriodMS:          100,
		ControlTickDivisor:    10,
		BufferMax:             5000,
		PerSubscriberQueueMax: 256,
		WSHost:                "0.0.0.0",
		WSPort:                8000,
		MaxFrameBytes:         65536,
		ShutdownGraceMS:       5000,
		LogLevel:              "info",
		MaxConnections:        10000,
		ConnectionGraceMS:     2000,
	}

	if configPath != "" {
		layer, err := loadFileLayer(configPath)
		if err != nil {
			return Config{}, err
		}
		applyFileLayer(&c, layer)
	}

	c.TickPeriodMS = intFromEnv("TICK_PERIOD_MS", c.TickPeriodMS)
	c.ControlTickDivisor = intFromEnv("CONTROL_TICK_DIVISOR", c.ControlTickDivisor)
	c.BufferMax = intFromEnv("BUFFER_MAX", c.BufferMax)
	c.PerSubscriberQueueMax = intFromEnv("PER_SUBSCRIBER_QUEUE_MAX", c.PerSubscriberQueueMax)
	c.WSHost = getenv("WS_HOST", c.WSHost)
	c.WSPort = intFromEnv("WS_PORT", c.WSPort)
	c.MaxFrameBytes = intFromEnv("MAX_FRAME_BYTES", c.MaxFrameBytes)
	c.ShutdownGraceMS = intFromEnv("SHUTDOWN_GRACE_MS", c.ShutdownGraceMS)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.MaxConnections = intFromEnv("MAX_CONNECTIONS", c.MaxConnections)
	c.ConnectionGraceMS = intFromEnv("CONNECTION_GRACE_MS", c.ConnectionGraceMS)
	c.AuditDBDriver = getenv("AUDIT_DB_DRIVER", "")
	c.AuditDBDSN = getenv("AUDIT_DB_DSN", "")

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.TickPeriodMS <= 0 {
		return fmt.Errorf("%w: TICK_PERIOD_MS must be positive, got %d", ErrConfig, c.TickPeriodMS)
	}
	if c.ControlTickDivisor <= 0 {
		return fmt.Errorf("%w: CONTROL_TICK_DIVISOR must be positive, got %d", ErrConfig, c.ControlTickDivisor)
	}
	if c.BufferMax <= 0 {
		return fmt.Errorf("%w: BUFFER_MAX must be positive, got %d", ErrConfig, c.BufferMax)
	}
	if c.PerSubscriberQueueMax <= 0 {
		return fmt.Errorf("%w: PER_SUBSCRIBER_QUEUE_MAX must be positive, got %d", ErrConfig, c.PerSubscriberQueueMax)
	}
	if c.WSPort <= 0 || c.WSPort > 65535 {
		return fmt.Errorf("%w: WS_PORT out of range, got %d", ErrConfig, c.WSPort)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%w: MAX_FRAME_BYTES must be positive, got %d", ErrConfig, c.MaxFrameBytes)
	}
	if c.ShutdownGraceMS < 0 {
		return fmt.Errorf("%w: SHUTDOWN_GRACE_MS cannot be negative, got %d", ErrConfig, c.ShutdownGraceMS)
	}
	if c.AuditDBDriver != "" && c.AuditDBDriver != "sqlite" && c.AuditDBDriver != "postgres" {
		return fmt.Errorf("%w: AUDIT_DB_DRIVER must be sqlite or postgres, got %q", ErrConfig, c.AuditDBDriver)
	}
	return nil
}

func loadFileLayer(path string) (fileLayer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return fileLayer{}, fmt.Errorf("%w: reading config file: %v", ErrConfig, err)
	}
	var layer fileLayer
	if err := yaml.Unmarshal(b, &layer); err != nil {
		return fileLayer{}, fmt.Errorf("%w: parsing config file: %v", ErrConfig, err)
	}
	return layer, nil
}

func applyFileLayer(c *Config, layer fileLayer) {
	if layer.TickPeriodMS != nil {
		c.TickPeriodMS = *layer.TickPeriodMS
	}
	if layer.ControlTickDivisor != nil {
		c.ControlTickDivisor = *layer.ControlTickDivisor
	}
	if layer.BufferMax != nil {
		c.BufferMax = *layer.BufferMax
	}
	if layer.PerSubscriberQueueMax != nil {
		c.PerSubscriberQueueMax = *layer.PerSubscriberQueueMax
	}
	c.SeedRealms = layer.SeedRealms
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
