// SPDX-License-Identifier: Apache-2.0

// Package config loads formtracker settings from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tedfoley/form-trackers/pkg/podwire"
	"github.com/tedfoley/form-trackers/pkg/synth"
)

// Defaults
const (
	DefaultBaudRate       = 115200
	DefaultScanTimeout    = 10 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultLogLevel       = "info"
	DefaultStoreFile      = "assignments.cbor"
)

// Duration is a time.Duration written as "1s", "30s" in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full formtracker configuration.
type Config struct {
	Link      LinkConfig      `yaml:"link" toml:"link"`
	Stream    StreamConfig    `yaml:"stream" toml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Scan      ScanConfig      `yaml:"scan" toml:"scan"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Demo      DemoConfig      `yaml:"demo" toml:"demo"`
}

// LinkConfig selects the transport. An empty Port and URL means BLE.
type LinkConfig struct {
	Port        string `yaml:"port" toml:"port"`
	Baud        int    `yaml:"baud" toml:"baud"`
	URL         string `yaml:"url" toml:"url"`
	Username    string `yaml:"username" toml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify" toml:"no_ssl_verify"`
}

type StreamConfig struct {
	RateHz int `yaml:"rate_hz" toml:"rate_hz"`
}

type ReconnectConfig struct {
	Initial Duration `yaml:"initial" toml:"initial"`
	Max     Duration `yaml:"max" toml:"max"`
}

type ScanConfig struct {
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// StoreConfig locates the assignment store. An empty Path keeps
// assignments in memory only.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
}

// DemoConfig describes the synthetic pods. An empty profile list selects
// the built-in left foot, right foot and waist pods.
type DemoConfig struct {
	Profiles      []DemoProfile `yaml:"profiles" toml:"profiles"`
	BatteryStart  uint8         `yaml:"battery_start" toml:"battery_start"`
	BatteryFloor  uint8         `yaml:"battery_floor" toml:"battery_floor"`
	DrainDuration Duration      `yaml:"drain_duration" toml:"drain_duration"`
}

type DemoProfile struct {
	DeviceID         string   `yaml:"device_id" toml:"device_id"`
	Name             string   `yaml:"name" toml:"name"`
	Location         string   `yaml:"location" toml:"location"`
	BaseCadence      float64  `yaml:"base_cadence" toml:"base_cadence"`
	CadenceVariation float64  `yaml:"cadence_variation" toml:"cadence_variation"`
	BaseGCT          float64  `yaml:"base_gct" toml:"base_gct"`
	GCTVariation     float64  `yaml:"gct_variation" toml:"gct_variation"`
	BaseVertOsc      float64  `yaml:"base_vert_osc" toml:"base_vert_osc"`
	VertOscVariation float64  `yaml:"vert_osc_variation" toml:"vert_osc_variation"`
	SinePeriod       Duration `yaml:"sine_period" toml:"sine_period"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var profiles []DemoProfile
	for _, p := range synth.DefaultProfiles() {
		profiles = append(profiles, DemoProfile{
			DeviceID:         p.DeviceID,
			Name:             p.Name,
			Location:         p.Location,
			BaseCadence:      p.BaseCadence,
			CadenceVariation: p.CadenceVariation,
			BaseGCT:          p.BaseGCT,
			GCTVariation:     p.GCTVariation,
			BaseVertOsc:      p.BaseVertOsc,
			VertOscVariation: p.VertOscVariation,
			SinePeriod:       Duration{p.SinePeriod},
		})
	}

	return &Config{
		Link:      LinkConfig{Baud: DefaultBaudRate},
		Stream:    StreamConfig{RateHz: podwire.DefaultStreamRateHz},
		Reconnect: ReconnectConfig{Initial: Duration{DefaultInitialBackoff}, Max: Duration{DefaultMaxBackoff}},
		Scan:      ScanConfig{Timeout: Duration{DefaultScanTimeout}},
		Store:     StoreConfig{Path: DefaultStorePath()},
		Log:       LogConfig{Level: DefaultLogLevel},
		Demo: DemoConfig{
			Profiles:      profiles,
			BatteryStart:  synth.DefaultBatteryStart,
			BatteryFloor:  synth.DefaultBatteryFloor,
			DrainDuration: Duration{synth.DefaultDrainDuration},
		},
	}
}

// DefaultStorePath returns the per-user assignment store location, or ""
// when no config directory is available.
func DefaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "formtracker", DefaultStoreFile)
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults. The format follows the extension: .toml for TOML,
// anything else is YAML.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isTOML(path) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

var validLocations = map[string]bool{"": true, "left_foot": true, "right_foot": true, "waist": true}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Link.Port != "" && c.Link.URL != "" {
		return errors.New("link.port and link.url are mutually exclusive")
	}
	if c.Link.Baud <= 0 {
		return fmt.Errorf("link.baud must be greater than 0")
	}
	if c.Stream.RateHz <= 0 || c.Stream.RateHz > 255 {
		return fmt.Errorf("stream.rate_hz must be 1-255, got %d", c.Stream.RateHz)
	}
	if c.Reconnect.Initial.Duration <= 0 {
		return fmt.Errorf("reconnect.initial must be greater than 0")
	}
	if c.Reconnect.Max.Duration < c.Reconnect.Initial.Duration {
		return fmt.Errorf("reconnect.max (%s) must not be less than reconnect.initial (%s)",
			c.Reconnect.Max.Duration, c.Reconnect.Initial.Duration)
	}
	if c.Scan.Timeout.Duration < 0 {
		return fmt.Errorf("scan.timeout must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Demo.BatteryFloor > c.Demo.BatteryStart {
		return fmt.Errorf("demo.battery_floor (%d) must not exceed demo.battery_start (%d)",
			c.Demo.BatteryFloor, c.Demo.BatteryStart)
	}
	seen := make(map[string]bool)
	held := make(map[string]string)
	for i, p := range c.Demo.Profiles {
		if p.DeviceID == "" {
			return fmt.Errorf("demo profile %d has empty device_id", i)
		}
		if seen[p.DeviceID] {
			return fmt.Errorf("demo profile '%s' is defined twice", p.DeviceID)
		}
		seen[p.DeviceID] = true

		if !validLocations[p.Location] {
			return fmt.Errorf("demo profile '%s' has invalid location '%s'", p.DeviceID, p.Location)
		}
		if p.Location != "" {
			if other, ok := held[p.Location]; ok {
				return fmt.Errorf("demo profiles '%s' and '%s' share location '%s'", other, p.DeviceID, p.Location)
			}
			held[p.Location] = p.DeviceID
		}
		if p.BaseCadence <= 0 {
			return fmt.Errorf("demo profile '%s' needs a positive base_cadence", p.DeviceID)
		}
		if p.SinePeriod.Duration <= 0 {
			return fmt.Errorf("demo profile '%s' needs a positive sine_period", p.DeviceID)
		}
	}
	return nil
}

// SynthProfiles converts the demo profiles for the generator.
func (c *Config) SynthProfiles() []synth.Profile {
	if len(c.Demo.Profiles) == 0 {
		return synth.DefaultProfiles()
	}
	out := make([]synth.Profile, 0, len(c.Demo.Profiles))
	for _, p := range c.Demo.Profiles {
		name := p.Name
		if name == "" {
			name = p.DeviceID
		}
		out = append(out, synth.Profile{
			DeviceID:         p.DeviceID,
			Name:             name,
			Location:         p.Location,
			BaseCadence:      p.BaseCadence,
			CadenceVariation: p.CadenceVariation,
			BaseGCT:          p.BaseGCT,
			GCTVariation:     p.GCTVariation,
			BaseVertOsc:      p.BaseVertOsc,
			VertOscVariation: p.VertOscVariation,
			SinePeriod:       p.SinePeriod.Duration,
		})
	}
	return out
}

// SynthOptions returns generator options for the configured rate and drain.
func (c *Config) SynthOptions(logger *zerolog.Logger) synth.Options {
	return synth.Options{
		RateHz:        c.Stream.RateHz,
		BatteryStart:  c.Demo.BatteryStart,
		BatteryFloor:  c.Demo.BatteryFloor,
		DrainDuration: c.Demo.DrainDuration.Duration,
		Logger:        logger,
	}
}
