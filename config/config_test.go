package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DeviceID = "lg69t-1234"
	cfg.Device.Port = "/dev/ttyUSB0"
	cfg.Log.BaseDir = t.TempDir()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults with device are valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing device id",
			modify:  func(c *Config) { c.DeviceID = "" },
			wantErr: true,
		},
		{
			name:    "missing serial port",
			modify:  func(c *Config) { c.Device.Port = "" },
			wantErr: true,
		},
		{
			name:    "unknown reset type",
			modify:  func(c *Config) { c.Reset = "lukewarm" },
			wantErr: true,
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Log.Format = "csv" },
			wantErr: true,
		},
		{
			name:    "unknown output type",
			modify:  func(c *Config) { c.Output.Type = "udp" },
			wantErr: true,
		},
		{
			name: "log enabled without base dir",
			modify: func(c *Config) {
				c.Log.BaseDir = ""
			},
			wantErr: true,
		},
		{
			name: "log format none needs no base dir",
			modify: func(c *Config) {
				c.Log.Format = LogFormatNone
				c.Log.BaseDir = ""
			},
		},
		{
			name: "corrections enabled without url",
			modify: func(c *Config) {
				c.Corrections.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "external enabled without port",
			modify: func(c *Config) {
				c.External.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "output none skips listener validation",
			modify: func(c *Config) {
				c.Output.Type = OutputTypeNone
				c.Output.TCPAddr = ""
				c.Output.WSAddr = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device_id: lg69t-abcd
device:
  port: /dev/ttyUSB1
log:
  base_dir: `+dir+`
  format: p1log
corrections:
  enabled: true
  url: http://corrections.example.com:2101
  mountpoint: MOUNT1
  username: user
  password: pass
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lg69t-abcd", cfg.DeviceID)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Device.Port)
	// Defaults survive partial YAML.
	assert.Equal(t, 460800, cfg.Device.BaudRate)
	assert.Equal(t, ResetHot, cfg.Reset)
	assert.Equal(t, LogFormatP1Log, cfg.Log.Format)
	assert.Equal(t, OutputTypeAll, cfg.Output.Type)
	assert.Equal(t, 5*time.Second, cfg.StatusInterval)
	assert.True(t, cfg.Corrections.Enabled)
	assert.Equal(t, "MOUNT1", cfg.Corrections.Mountpoint)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_id: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLogFormatExtension(t *testing.T) {
	assert.Equal(t, ".p1log", LogFormatP1Log.Extension())
	assert.Equal(t, ".nmea", LogFormatNMEA.Extension())
	assert.Equal(t, ".raw", LogFormatRaw.Extension())
}

func TestOutputBroadcastMapping(t *testing.T) {
	out := OutputConfig{Type: OutputTypeLegacyNMEA, TCPAddr: ":30201", WSAddr: ":30202", WSPath: "/"}
	bc := out.Broadcast()
	assert.True(t, bc.LegacyNMEA)
	assert.Equal(t, ":30201", bc.TCPAddr)

	out.Type = OutputTypeNMEA
	assert.False(t, out.Broadcast().LegacyNMEA)
}
