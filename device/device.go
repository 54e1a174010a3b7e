// Package device provides bidirectional data connections to positioning
// hardware. The orchestrator consumes the DataSource interface so tests can
// substitute in-memory transports for real serial ports.
package device

import (
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"github.com/c360/navrunner/errors"
)

// DefaultBaudRate matches the standard UART rate of supported devices.
const DefaultBaudRate = 460800

// DefaultReadTimeout bounds a single blocking read.
const DefaultReadTimeout = 1 * time.Second

// DataSource is a bidirectional data connection to a device. Read blocks
// until at least one byte is available or the source's read timeout elapses;
// a timeout returns (0, nil).
type DataSource interface {
	io.ReadWriteCloser
}

// SerialConfig configures a serial port connection.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Validate checks the configuration for errors
func (c *SerialConfig) Validate() error {
	if c.Port == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SerialConfig", "Validate", "port is required")
	}
	if c.BaudRate < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SerialConfig", "Validate", "baud_rate cannot be negative")
	}
	return nil
}

// SerialSource is a DataSource backed by a physical serial port.
type SerialSource struct {
	port   serial.Port
	name   string
	logger *slog.Logger
}

// OpenSerial opens the configured serial port. Zero-valued BaudRate and
// ReadTimeout fall back to the package defaults.
func OpenSerial(cfg SerialConfig, logger *slog.Logger) (*SerialSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("Opening device serial port", "port", cfg.Port, "baud_rate", cfg.BaudRate)

	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, errors.WrapFatal(err, "SerialSource", "OpenSerial", "open port "+cfg.Port)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, errors.WrapFatal(err, "SerialSource", "OpenSerial", "set read timeout")
	}

	return &SerialSource{port: port, name: cfg.Port, logger: logger}, nil
}

// Name returns the underlying port name.
func (s *SerialSource) Name() string { return s.name }

// Read blocks until data is available or the read timeout elapses.
// A timeout returns (0, nil).
func (s *SerialSource) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

// Write sends data to the device, blocking until the full contents are sent.
func (s *SerialSource) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Close closes the serial port, unblocking any pending read.
func (s *SerialSource) Close() error {
	s.logger.Debug("Closing device serial port", "port", s.name)
	return s.port.Close()
}
