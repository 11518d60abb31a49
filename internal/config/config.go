// Package config handles layered YAML configuration with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smileynet/fairway/internal/link"
)

// Config holds all fairway configuration.
type Config struct {
	Link       Link       `yaml:"link"`
	Scan       Scan       `yaml:"scan"`
	Connection Connection `yaml:"connection"`
	Control    Control    `yaml:"control"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Permission Permission `yaml:"permission"`
	Log        Log        `yaml:"log"`
}

// Link selects the radio provider and the cart's control endpoint.
type Link struct {
	Provider              string `yaml:"provider"` // "radio" | "sim"
	Adapter               string `yaml:"adapter"`
	ControlService        string `yaml:"control_service"`
	ControlCharacteristic string `yaml:"control_characteristic"`
	Fleet                 string `yaml:"fleet"` // Simulated fleet file, sim provider only.
}

// Scan holds discovery settings.
type Scan struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Connection holds connection lifecycle settings.
type Connection struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// Control holds manual control settings.
type Control struct {
	HoldTimeout time.Duration `yaml:"hold_timeout"` // Keyboard hold debounce.
}

// Dispatch holds command write settings.
type Dispatch struct {
	Rate      float64 `yaml:"rate"` // Drive frames per second; 0 disables pacing.
	Burst     int     `yaml:"burst"`
	QueueSize int     `yaml:"queue_size"`
}

// Permission holds radio access settings.
type Permission struct {
	PowerOn bool `yaml:"power_on"` // Power the adapter on instead of denying access.
}

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Link: Link{
			Provider:              "radio",
			Adapter:               "hci0",
			ControlService:        "0000fff0-0000-1000-8000-00805f9b34fb",
			ControlCharacteristic: "0000fff3-0000-1000-8000-00805f9b34fb",
			Fleet:                 "fleet.yaml",
		},
		Scan: Scan{
			Timeout: 5 * time.Second,
		},
		Connection: Connection{
			ConnectTimeout:  10 * time.Second,
			MonitorInterval: 2 * time.Second,
			EventBuffer:     32,
		},
		Control: Control{
			HoldTimeout: 600 * time.Millisecond,
		},
		Dispatch: Dispatch{
			Rate:      20,
			Burst:     4,
			QueueSize: 16,
		},
		Log: Log{
			Level: "info",
			File:  ".fairway/fairway.log",
		},
	}
}

// Load reads a single YAML config file at path and returns a Config.
// For merging multiple config sources, use LoadLayered instead.
// If the file does not exist, defaults are returned without error.
// If the file contains invalid YAML or unknown fields, an error is returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// Comment-only YAML files produce EOF with no decoded content.
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadLayered loads config from multiple paths with increasing priority.
// Later paths override earlier ones. Missing files are skipped.
func LoadLayered(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		layer, err := loadLayer(path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		cfg.merge(layer)
	}

	return &cfg, nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	switch c.Link.Provider {
	case "radio", "sim":
	default:
		return fmt.Errorf("config: link.provider must be \"radio\" or \"sim\", got %q", c.Link.Provider)
	}
	if c.Link.Adapter == "" {
		return errors.New("config: link.adapter cannot be empty")
	}
	if _, err := link.ParseServiceUUID(c.Link.ControlService); err != nil {
		return fmt.Errorf("config: link.control_service: %w", err)
	}
	if _, err := link.ParseServiceUUID(c.Link.ControlCharacteristic); err != nil {
		return fmt.Errorf("config: link.control_characteristic: %w", err)
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("config: scan.timeout must be positive, got %v", c.Scan.Timeout)
	}
	if c.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connection.connect_timeout must be positive, got %v", c.Connection.ConnectTimeout)
	}
	if c.Connection.MonitorInterval <= 0 {
		return fmt.Errorf("config: connection.monitor_interval must be positive, got %v", c.Connection.MonitorInterval)
	}
	if c.Connection.EventBuffer < 1 {
		return fmt.Errorf("config: connection.event_buffer must be at least 1, got %d", c.Connection.EventBuffer)
	}
	if c.Control.HoldTimeout <= 0 {
		return fmt.Errorf("config: control.hold_timeout must be positive, got %v", c.Control.HoldTimeout)
	}
	if c.Dispatch.Rate < 0 {
		return fmt.Errorf("config: dispatch.rate must be non-negative, got %v", c.Dispatch.Rate)
	}
	if c.Dispatch.Rate > 0 && c.Dispatch.Burst < 1 {
		return fmt.Errorf("config: dispatch.burst must be at least 1 when pacing, got %d", c.Dispatch.Burst)
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("config: dispatch.queue_size must be at least 1, got %d", c.Dispatch.QueueSize)
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

// ApplyEnv applies environment variable overrides to the config.
// Supported variables: FAIRWAY_PROVIDER, FAIRWAY_ADAPTER,
// FAIRWAY_SCAN_TIMEOUT, FAIRWAY_LOG_LEVEL, FAIRWAY_LOG_FILE.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("FAIRWAY_PROVIDER"); v != "" {
		c.Link.Provider = v
	}
	if v := os.Getenv("FAIRWAY_ADAPTER"); v != "" {
		c.Link.Adapter = v
	}
	if v := os.Getenv("FAIRWAY_SCAN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid FAIRWAY_SCAN_TIMEOUT %q: %w", v, err)
		}
		c.Scan.Timeout = d
	}
	if v := os.Getenv("FAIRWAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FAIRWAY_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	return nil
}

// rawConfig mirrors Config but uses pointers to distinguish set vs unset fields.
type rawConfig struct {
	Link       *rawLink       `yaml:"link"`
	Scan       *rawScan       `yaml:"scan"`
	Connection *rawConnection `yaml:"connection"`
	Control    *rawControl    `yaml:"control"`
	Dispatch   *rawDispatch   `yaml:"dispatch"`
	Permission *rawPermission `yaml:"permission"`
	Log        *rawLog        `yaml:"log"`
}

type rawLink struct {
	Provider              *string `yaml:"provider"`
	Adapter               *string `yaml:"adapter"`
	ControlService        *string `yaml:"control_service"`
	ControlCharacteristic *string `yaml:"control_characteristic"`
	Fleet                 *string `yaml:"fleet"`
}

type rawScan struct {
	Timeout *time.Duration `yaml:"timeout"`
}

type rawConnection struct {
	ConnectTimeout  *time.Duration `yaml:"connect_timeout"`
	MonitorInterval *time.Duration `yaml:"monitor_interval"`
	EventBuffer     *int           `yaml:"event_buffer"`
}

type rawControl struct {
	HoldTimeout *time.Duration `yaml:"hold_timeout"`
}

type rawDispatch struct {
	Rate      *float64 `yaml:"rate"`
	Burst     *int     `yaml:"burst"`
	QueueSize *int     `yaml:"queue_size"`
}

type rawPermission struct {
	PowerOn *bool `yaml:"power_on"`
}

type rawLog struct {
	Level *string `yaml:"level"`
	File  *string `yaml:"file"`
}

// loadLayer reads a single config file into a rawConfig for selective merging.
// Returns nil if the file does not exist. Rejects unknown fields.
func loadLayer(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &raw, nil
}

// set copies *src into dst when the layer provided a value.
func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// merge applies non-nil fields from a rawConfig layer onto this Config.
func (c *Config) merge(layer *rawConfig) {
	if l := layer.Link; l != nil {
		set(&c.Link.Provider, l.Provider)
		set(&c.Link.Adapter, l.Adapter)
		set(&c.Link.ControlService, l.ControlService)
		set(&c.Link.ControlCharacteristic, l.ControlCharacteristic)
		set(&c.Link.Fleet, l.Fleet)
	}
	if l := layer.Scan; l != nil {
		set(&c.Scan.Timeout, l.Timeout)
	}
	if l := layer.Connection; l != nil {
		set(&c.Connection.ConnectTimeout, l.ConnectTimeout)
		set(&c.Connection.MonitorInterval, l.MonitorInterval)
		set(&c.Connection.EventBuffer, l.EventBuffer)
	}
	if l := layer.Control; l != nil {
		set(&c.Control.HoldTimeout, l.HoldTimeout)
	}
	if l := layer.Dispatch; l != nil {
		set(&c.Dispatch.Rate, l.Rate)
		set(&c.Dispatch.Burst, l.Burst)
		set(&c.Dispatch.QueueSize, l.QueueSize)
	}
	if l := layer.Permission; l != nil {
		set(&c.Permission.PowerOn, l.PowerOn)
	}
	if l := layer.Log; l != nil {
		set(&c.Log.Level, l.Level)
		set(&c.Log.File, l.File)
	}
}
