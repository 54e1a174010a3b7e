// Package config defines the runner configuration: device connection,
// session recording, output serving, correction source, and auxiliary
// device, loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/navrunner/broadcast"
	"github.com/c360/navrunner/correction"
	"github.com/c360/navrunner/device"
	"github.com/c360/navrunner/errors"
)

// LogFormat selects what the session capture records.
type LogFormat string

const (
	// LogFormatNone disables session recording.
	LogFormatNone LogFormat = "none"
	// LogFormatRaw records the raw device byte stream.
	LogFormatRaw LogFormat = "raw"
	// LogFormatP1Log records only framed FusionEngine messages.
	LogFormatP1Log LogFormat = "p1log"
	// LogFormatNMEA records only framed NMEA sentences.
	LogFormatNMEA LogFormat = "nmea"
)

func (f LogFormat) valid() bool {
	switch f {
	case LogFormatNone, LogFormatRaw, LogFormatP1Log, LogFormatNMEA:
		return true
	}
	return false
}

// Extension returns the data channel file extension for the format.
func (f LogFormat) Extension() string {
	switch f {
	case LogFormatP1Log:
		return ".p1log"
	case LogFormatNMEA:
		return ".nmea"
	default:
		return ".raw"
	}
}

// OutputType selects what the broadcast server fans out.
type OutputType string

const (
	OutputTypeNone OutputType = "none"
	// OutputTypeAll forwards the raw device stream unmodified.
	OutputTypeAll OutputType = "all"
	// OutputTypeFusionEngine forwards framed FusionEngine messages only.
	OutputTypeFusionEngine OutputType = "fusion_engine"
	// OutputTypeNMEA forwards framed NMEA sentences only.
	OutputTypeNMEA OutputType = "nmea"
	// OutputTypeLegacyNMEA forwards NMEA sentences with the legacy
	// WebSocket framing header.
	OutputTypeLegacyNMEA OutputType = "legacy_nmea"
)

func (o OutputType) valid() bool {
	switch o {
	case OutputTypeNone, OutputTypeAll, OutputTypeFusionEngine, OutputTypeNMEA, OutputTypeLegacyNMEA:
		return true
	}
	return false
}

// ResetType selects the navigation engine restart issued at session start.
type ResetType string

const (
	ResetNone ResetType = "none"
	ResetHot  ResetType = "hot"
	ResetWarm ResetType = "warm"
	ResetCold ResetType = "cold"
	ResetPVT  ResetType = "pvt"
	ResetDiag ResetType = "diag"
)

func (r ResetType) valid() bool {
	switch r {
	case ResetNone, ResetHot, ResetWarm, ResetCold, ResetPVT, ResetDiag:
		return true
	}
	return false
}

// LogConfig configures session recording.
type LogConfig struct {
	Format        LogFormat `yaml:"format"`
	BaseDir       string    `yaml:"base_dir"`
	CreateSymlink bool      `yaml:"create_symlink"`
	LogTimestamps bool      `yaml:"log_timestamps"`
	LogCreatedCmd string    `yaml:"log_created_cmd"`
}

// OutputConfig configures the broadcast server.
type OutputConfig struct {
	Type    OutputType `yaml:"type"`
	TCPAddr string     `yaml:"tcp_addr"`
	WSAddr  string     `yaml:"ws_addr"`
	WSPath  string     `yaml:"ws_path"`
}

// Broadcast converts the output settings to a broadcast server config.
func (o *OutputConfig) Broadcast() broadcast.Config {
	return broadcast.Config{
		TCPAddr:    o.TCPAddr,
		WSAddr:     o.WSAddr,
		WSPath:     o.WSPath,
		LegacyNMEA: o.Type == OutputTypeLegacyNMEA,
	}
}

// CorrectionsConfig configures the NTRIP correction source.
type CorrectionsConfig struct {
	Enabled           bool `yaml:"enabled"`
	correction.Config `yaml:",inline"`
}

// ExternalConfig configures the auxiliary serial device.
type ExternalConfig struct {
	Enabled bool                `yaml:"enabled"`
	Serial  device.SerialConfig `yaml:"serial"`
	// OutputFilename is the channel file recorded in the session directory.
	OutputFilename string `yaml:"output_filename"`
}

// MetricsConfig configures the Prometheus scrape endpoint. An empty address
// disables metrics entirely.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full runner configuration.
type Config struct {
	DeviceID string              `yaml:"device_id"`
	Device   device.SerialConfig `yaml:"device"`
	Reset    ResetType           `yaml:"reset"`

	// WaitForReset holds corrections until the device acknowledges the
	// reset. Ignored when Reset is "none".
	WaitForReset bool `yaml:"wait_for_reset"`

	Log         LogConfig         `yaml:"log"`
	Output      OutputConfig      `yaml:"output"`
	Corrections CorrectionsConfig `yaml:"corrections"`
	External    ExternalConfig    `yaml:"external"`
	Metrics     MetricsConfig     `yaml:"metrics"`

	// LogLevel is the slog level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// StatusInterval controls the periodic session status line.
	StatusInterval time.Duration `yaml:"status_interval"`
}

// DefaultConfig returns the standard runner configuration.
func DefaultConfig() Config {
	return Config{
		Device: device.SerialConfig{
			BaudRate:    device.DefaultBaudRate,
			ReadTimeout: device.DefaultReadTimeout,
		},
		Reset:        ResetHot,
		WaitForReset: true,
		Log: LogConfig{
			Format:        LogFormatRaw,
			CreateSymlink: true,
			LogTimestamps: true,
		},
		Output: OutputConfig{
			Type:    OutputTypeAll,
			TCPAddr: ":30201",
			WSAddr:  ":30202",
			WSPath:  "/",
		},
		LogLevel:       "info",
		StatusInterval: 5 * time.Second,
	}
}

// Load reads and validates a YAML config file, applying defaults for
// omitted fields.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "Config", "Load", "read config file")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.WrapInvalid(err, "Config", "Load", "parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "device_id is required")
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}

	if !c.Reset.valid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown reset type %q", c.Reset))
	}
	if !c.Log.Format.valid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	if !c.Output.Type.valid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown output type %q", c.Output.Type))
	}

	if c.Log.Format != LogFormatNone && c.Log.BaseDir == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"log.base_dir is required when logging is enabled")
	}
	if c.Output.Type != OutputTypeNone {
		bc := c.Output.Broadcast()
		if err := bc.Validate(); err != nil {
			return err
		}
	}
	if c.Corrections.Enabled {
		if err := c.Corrections.Config.Validate(); err != nil {
			return err
		}
	}
	if c.External.Enabled {
		if err := c.External.Serial.Validate(); err != nil {
			return err
		}
	}

	if c.StatusInterval <= 0 {
		c.StatusInterval = 5 * time.Second
	}
	return nil
}
