// Package config loads the dongle engine's own YAML configuration: the
// device path, command timeouts, availability defaults, trace-log and
// registry persistence paths, and the diagnostics HTTP port. It does
// not load the (out-of-scope) gateway's MQTT/Home-Assistant config —
// that lives entirely outside this engine.
//
// Grounded on the teacher's config.Load: fill a struct with defaults,
// then let yaml.Unmarshal overlay whatever the file specifies, so an
// empty or partial config file still produces a usable engine. A
// missing file is an error.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration document.
type Config struct {
	Dongle       DongleConfig       `yaml:"dongle"`
	Timeouts     TimeoutConfig      `yaml:"timeouts"`
	Availability AvailabilityConfig `yaml:"availability"`
	TraceLog     TraceLogConfig     `yaml:"trace_log"`
	Registry     RegistryConfig     `yaml:"registry"`
	Diag         DiagConfig         `yaml:"diag"`
}

// DongleConfig describes the attached HID device.
type DongleConfig struct {
	// DevicePath is the raw-HID character device node, e.g. /dev/hidraw0.
	// Device-node auto-detection by scanning sysfs is out of scope for
	// this engine; the caller (or a collaborator) resolves it first.
	DevicePath string `yaml:"device_path"`
}

// TimeoutConfig holds the command timeout floor from the concurrency
// model.
type TimeoutConfig struct {
	Default time.Duration `yaml:"default"`
	Enum    time.Duration `yaml:"enum"`
	Verify  time.Duration `yaml:"verify"`
	Scan    time.Duration `yaml:"scan"`
}

// AvailabilityConfig holds the registry's tick interval and the
// default per-hardware-generation timeouts.
type AvailabilityConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	TimeoutV1    time.Duration `yaml:"timeout_v1"`
	TimeoutV2    time.Duration `yaml:"timeout_v2"`
}

// TraceLogConfig controls the rotating raw-frame trace writer.
type TraceLogConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RegistryConfig controls where the sensor registry persists its
// config/state documents and how stale a loaded state document may be.
type RegistryConfig struct {
	Path       string        `yaml:"path"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DiagConfig controls the HTTP+SSE diagnostics surface.
type DiagConfig struct {
	// Port is the diagnostics listen port. Zero disables the surface;
	// cmd/dongled does not require it to run.
	Port int `yaml:"port"`

	// BindAddr is the listen address. Defaults to 127.0.0.1: the
	// diagnostics API has no authentication, on the assumption of
	// localhost-only exposure.
	BindAddr string `yaml:"bind_addr"`
}

// Load reads path and overlays it onto the default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Dongle: DongleConfig{
			DevicePath: "/dev/hidraw0",
		},
		Timeouts: TimeoutConfig{
			Default: 2 * time.Second,
			Enum:    10 * time.Second,
			Verify:  10 * time.Second,
			Scan:    60 * time.Second,
		},
		Availability: AvailabilityConfig{
			TickInterval: 5 * time.Second,
			TimeoutV1:    8 * time.Hour,
			TimeoutV2:    4 * time.Hour,
		},
		TraceLog: TraceLogConfig{
			Path:          "/data/trace",
			RetentionDays: 7,
		},
		Registry: RegistryConfig{
			Path:       "/data/registry",
			StaleAfter: time.Hour,
		},
		Diag: DiagConfig{
			Port:     8090,
			BindAddr: "127.0.0.1",
		},
	}
}
