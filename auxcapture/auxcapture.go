// Package auxcapture records a secondary serial device into the active
// session. It has no goroutine of its own: the orchestrator calls Poll from
// its main loop, keeping the auxiliary port strictly subordinate to the
// primary device.
package auxcapture

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/navrunner/device"
	"github.com/c360/navrunner/errors"
)

const (
	readBufferSize = 4096

	statusInterval = 5 * time.Second

	// timeoutWarnInterval rate-limits the no-data warning.
	timeoutWarnInterval = 5 * time.Second
)

// Loop drains an auxiliary device and appends its output to a channel file
// in the session directory.
type Loop struct {
	source     device.DataSource
	sourceName string
	outputPath string
	logger     *slog.Logger

	outputFile  *os.File
	readBuf     []byte
	started     bool
	timeoutWarn *rate.Limiter

	startTime  time.Time
	lastStatus time.Time

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
}

// NewLoop creates an auxiliary capture loop. outputPath may be empty to
// relay without recording. The source is owned by the caller of Close.
func NewLoop(source device.DataSource, sourceName, outputPath string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		source:      source,
		sourceName:  sourceName,
		outputPath:  outputPath,
		logger:      logger.With("component", "auxcapture", "port", sourceName),
		readBuf:     make([]byte, readBufferSize),
		timeoutWarn: rate.NewLimiter(rate.Every(timeoutWarnInterval), 1),
	}
}

// Start opens the output channel file.
func (l *Loop) Start(_ context.Context) error {
	if l.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "AuxCapture", "Start", "start auxiliary capture")
	}

	if l.outputPath != "" {
		file, err := os.Create(l.outputPath)
		if err != nil {
			return errors.WrapFatal(err, "AuxCapture", "Start", "open auxiliary channel file")
		}
		l.outputFile = file
	}

	l.startTime = time.Now()
	l.lastStatus = l.startTime
	l.started = true
	return nil
}

// Poll drains the bytes currently available on the auxiliary device. A read
// timeout with no data triggers a rate-limited warning; a hard read error is
// returned to the caller.
func (l *Loop) Poll() error {
	if !l.started {
		return errors.Wrap(errors.ErrNotStarted, "AuxCapture", "Poll", "poll auxiliary device")
	}

	n, err := l.source.Read(l.readBuf)
	if err != nil {
		return errors.Wrap(errors.ErrDeviceRead, "AuxCapture", "Poll", "read from auxiliary device")
	}

	if n == 0 {
		if l.timeoutWarn.Allow() {
			l.logger.Warn("timed out waiting for auxiliary device data")
		}
		return nil
	}

	l.onData(l.readBuf[:n])
	return nil
}

func (l *Loop) onData(data []byte) {
	l.bytesReceived.Add(uint64(len(data)))

	now := time.Now()
	if now.Sub(l.lastStatus) > statusInterval {
		l.logger.Debug("auxiliary device status",
			"received", l.bytesReceived.Load(),
			"sent", l.bytesSent.Load(),
			"elapsed", now.Sub(l.startTime).Round(100*time.Millisecond).String())
		l.lastStatus = now
	}

	if l.outputFile != nil {
		if _, err := l.outputFile.Write(data); err != nil {
			l.logger.Error("auxiliary channel write failed", "error", err)
		}
	}
}

// Write relays data to the auxiliary device.
func (l *Loop) Write(data []byte) error {
	if !l.started {
		return errors.Wrap(errors.ErrNotStarted, "AuxCapture", "Write", "write to auxiliary device")
	}

	if _, err := l.source.Write(data); err != nil {
		return errors.Wrap(errors.ErrDeviceWrite, "AuxCapture", "Write", "write to auxiliary device")
	}
	l.bytesSent.Add(uint64(len(data)))
	return nil
}

// BytesReceived reports the total bytes drained from the auxiliary device.
func (l *Loop) BytesReceived() uint64 { return l.bytesReceived.Load() }

// Close flushes and closes the channel file and the device.
func (l *Loop) Close() error {
	if !l.started {
		return nil
	}
	l.started = false

	if l.outputFile != nil {
		if err := l.outputFile.Close(); err != nil {
			l.logger.Warn("error closing auxiliary channel file", "error", err)
		}
		l.outputFile = nil
	}
	return l.source.Close()
}
