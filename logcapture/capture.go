// Package logcapture persists a device session to disk: a GUID-named
// session directory, the raw data channel, an optional timestamp side
// channel, and a manifest describing the session's provenance.
package logcapture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/navrunner/errors"
	"github.com/c360/navrunner/metric"
)

const (
	// SequenceNumberFile holds the monotonically increasing session counter
	// shared by all devices logging under one base directory.
	SequenceNumberFile = "sequence_num.txt"

	// sequenceLockFile guards sequence and prev-GUID allocation across
	// processes.
	sequenceLockFile = "sequence_num.lock"

	prevGUIDPattern = "prev_guid_%s.txt"

	currentLogSymlink = "current_log"

	// timestampMinInterval is the minimum spacing between timestamp side
	// records.
	timestampMinInterval = time.Millisecond
)

// Config controls session directory layout and channel recording.
type Config struct {
	DeviceID   string     `yaml:"device_id"`
	DeviceType DeviceType `yaml:"device_type"`

	// BaseDir is the root under which date/device/GUID session directories
	// are created.
	BaseDir string `yaml:"base_dir"`

	// DataFilename is the primary channel file name, extension included
	// (for example "input.p1log").
	DataFilename string `yaml:"data_filename"`

	// ExtraChannels lists additional channel files recorded by other
	// components into the session directory.
	ExtraChannels []string `yaml:"extra_channels"`

	CreateSymlink bool `yaml:"create_symlink"`
	LogTimestamps bool `yaml:"log_timestamps"`

	// LogCreatedCmd is an optional shell command launched once the session
	// directory exists. Failures are logged and otherwise ignored.
	LogCreatedCmd string `yaml:"log_created_cmd"`
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "LogCapture", "Validate", "device_id is required")
	}
	if c.BaseDir == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "LogCapture", "Validate", "base_dir is required")
	}
	if c.DataFilename == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "LogCapture", "Validate", "data_filename is required")
	}
	return nil
}

// DefaultConfig returns a Config with standard recording options.
func DefaultConfig() Config {
	return Config{
		DataFilename:  "input.p1log",
		CreateSymlink: true,
		LogTimestamps: true,
		DeviceType:    DeviceTypeUnknown,
	}
}

type captureMetrics struct {
	bytesWritten  prometheus.Counter
	writesDropped prometheus.Counter
	queueDepth    prometheus.Gauge
}

func newCaptureMetrics(registry *metric.MetricsRegistry) *captureMetrics {
	if registry == nil {
		return nil
	}

	m := &captureMetrics{
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "logcapture",
			Name:      "bytes_written_total",
			Help:      "Bytes persisted to the primary data channel",
		}),
		writesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "logcapture",
			Name:      "writes_dropped_total",
			Help:      "Write calls discarded because the capture was not running",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "logcapture",
			Name:      "queue_depth",
			Help:      "Buffered writes awaiting persistence",
		}),
	}

	_ = registry.RegisterCounter("logcapture", "bytes_written_total", m.bytesWritten)
	_ = registry.RegisterCounter("logcapture", "writes_dropped_total", m.writesDropped)
	_ = registry.RegisterGauge("logcapture", "queue_depth", m.queueDepth)

	return m
}

// byteQueue is an unbounded FIFO of write buffers. A nil item is the
// shutdown sentinel; everything enqueued before it is still drained.
type byteQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items [][]byte
}

func newByteQueue() *byteQueue {
	q := &byteQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *byteQueue) push(data []byte) {
	q.mu.Lock()
	q.items = append(q.items, data)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *byteQueue) pop() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	data := q.items[0]
	q.items = q.items[1:]
	return data
}

func (q *byteQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LogCapture records one session. Create one per session; Start allocates
// the session directory and Stop flushes and closes it.
type LogCapture struct {
	cfg     Config
	logger  *slog.Logger
	metrics *captureMetrics

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	queue    *byteQueue
	done     chan struct{}

	guid         string
	prevGUID     string
	sequenceNum  int
	creationTime time.Time
	logDir       string

	startTime     time.Time
	lastTimestamp time.Time

	bytesWritten atomic.Uint64
}

// New creates a LogCapture. The metrics registry may be nil to disable
// instrumentation.
func New(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*LogCapture, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &LogCapture{
		cfg:     cfg,
		logger:  logger.With("component", "logcapture"),
		metrics: newCaptureMetrics(registry),
		queue:   newByteQueue(),
		done:    make(chan struct{}),
	}, nil
}

// GUID returns the session GUID. Empty until Start succeeds.
func (l *LogCapture) GUID() string { return l.guid }

// SequenceNum returns the allocated session sequence number.
func (l *LogCapture) SequenceNum() int { return l.sequenceNum }

// Directory returns the session directory path. Empty until Start succeeds.
func (l *LogCapture) Directory() string { return l.logDir }

// BytesWritten reports the number of data bytes persisted so far.
func (l *LogCapture) BytesWritten() uint64 { return l.bytesWritten.Load() }

// AbsFilePath resolves a path relative to the session directory. Other
// components use this to place their channel files alongside the primary
// data channel.
func (l *LogCapture) AbsFilePath(relative string) (string, error) {
	if l.logDir == "" {
		return "", errors.Wrap(errors.ErrNotStarted, "LogCapture", "AbsFilePath", "resolve session path")
	}
	return filepath.Join(l.logDir, relative), nil
}

// Start allocates the session directory, writes the initial manifest, and
// launches the writer goroutine.
func (l *LogCapture) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "LogCapture", "Start", "start log capture")
	}

	if err := l.createLogDir(); err != nil {
		return err
	}

	dataFile, err := os.Create(filepath.Join(l.logDir, l.cfg.DataFilename))
	if err != nil {
		return errors.WrapFatal(err, "LogCapture", "Start", "open data channel file")
	}

	var timestampFile *os.File
	if l.cfg.LogTimestamps {
		timestampFile, err = os.Create(filepath.Join(l.logDir, l.cfg.DataFilename+".timestamps"))
		if err != nil {
			dataFile.Close()
			return errors.WrapFatal(err, "LogCapture", "Start", "open timestamp channel file")
		}
	}

	if l.cfg.LogCreatedCmd != "" {
		cmd := exec.CommandContext(ctx, "sh", "-c", l.cfg.LogCreatedCmd)
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			l.logger.Warn("error running log created command", "error", err)
		} else {
			go func() { _ = cmd.Wait() }()
		}
	}

	l.startTime = time.Now()
	l.lastTimestamp = l.startTime
	l.running = true

	go l.writeLoop(dataFile, timestampFile)

	l.logger.Info("created session log",
		"device_id", l.cfg.DeviceID,
		"log_num", l.sequenceNum,
		"path", l.logDir)

	return nil
}

// Write enqueues data for persistence. Write never blocks the caller; if
// the capture is not running the data is dropped.
func (l *LogCapture) Write(data []byte) {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()

	if !running || len(data) == 0 {
		if l.metrics != nil && len(data) > 0 {
			l.metrics.writesDropped.Inc()
		}
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	l.queue.push(buf)

	if l.metrics != nil {
		l.metrics.queueDepth.Set(float64(l.queue.depth()))
	}
}

// Stop flushes all queued data and closes the session files. It blocks
// until the writer drains or the timeout elapses.
func (l *LogCapture) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.mu.Unlock()

	l.stopOnce.Do(func() {
		l.queue.push(nil)
	})

	select {
	case <-l.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "LogCapture", "Stop", "wait for writer drain")
	}
}

// UpdateManifest merges a partial field set into the session manifest.
func (l *LogCapture) UpdateManifest(update ManifestUpdate) error {
	if l.logDir == "" {
		return errors.Wrap(errors.ErrNotStarted, "LogCapture", "UpdateManifest", "update manifest")
	}
	return UpdateManifestFile(filepath.Join(l.logDir, ManifestFilename), update)
}

func (l *LogCapture) writeLoop(dataFile, timestampFile *os.File) {
	defer close(l.done)
	defer func() {
		if timestampFile != nil {
			timestampFile.Close()
		}
		dataFile.Close()
		l.logger.Info("log data stored", "path", l.logDir)
	}()

	var offset uint64
	for {
		data := l.queue.pop()
		if l.metrics != nil {
			l.metrics.queueDepth.Set(float64(l.queue.depth()))
		}
		if data == nil {
			return
		}

		n, err := dataFile.Write(data)
		offset += uint64(n)
		l.bytesWritten.Add(uint64(n))
		if l.metrics != nil {
			l.metrics.bytesWritten.Add(float64(n))
		}
		if err != nil {
			l.logger.Error("data channel write failed", "error", err)
			continue
		}

		if timestampFile != nil {
			now := time.Now()
			if now.Sub(l.lastTimestamp) > timestampMinInterval {
				if err := writeTimestampRecord(timestampFile, now.Sub(l.startTime), offset); err != nil {
					l.logger.Error("timestamp channel write failed", "error", err)
				}
				l.lastTimestamp = now
			}
		}
	}
}

// writeTimestampRecord appends one side-channel record: elapsed wall time in
// milliseconds and the data channel byte offset, both little-endian uint32
// and both free to roll over.
func writeTimestampRecord(w io.Writer, elapsed time.Duration, offset uint64) error {
	var record [8]byte
	millis := uint64(math.Round(elapsed.Seconds() * 1000.0))
	binary.LittleEndian.PutUint32(record[0:4], uint32(millis))
	binary.LittleEndian.PutUint32(record[4:8], uint32(offset))
	_, err := w.Write(record[:])
	return err
}

func (l *LogCapture) createLogDir() error {
	l.guid = strings.ReplaceAll(uuid.New().String(), "-", "")
	l.creationTime = time.Now().UTC()

	l.logDir = filepath.Join(l.cfg.BaseDir,
		l.creationTime.Format("2006-01-02"), l.cfg.DeviceID, l.guid)

	if _, err := os.Stat(l.logDir); err == nil {
		return errors.WrapFatal(errors.ErrLogExists, "LogCapture", "createLogDir",
			fmt.Sprintf("log directory %q already exists", l.logDir))
	}
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return errors.WrapFatal(err, "LogCapture", "createLogDir", "create log directory")
	}

	if err := l.allocateSequenceAndPrevGUID(); err != nil {
		return err
	}

	if l.cfg.CreateSymlink {
		l.updateSymlink()
	}

	return l.createManifest()
}

// allocateSequenceAndPrevGUID advances the shared session counter and rolls
// the per-device previous-GUID file. Both happen under one file lock so
// concurrent runner processes never observe the same sequence number, and
// each file is replaced via temp-file rename so readers never see a partial
// write.
func (l *LogCapture) allocateSequenceAndPrevGUID() error {
	lock := flock.New(filepath.Join(l.cfg.BaseDir, sequenceLockFile))
	if err := lock.Lock(); err != nil {
		return errors.Wrap(err, "LogCapture", "allocateSequenceAndPrevGUID", "acquire sequence lock")
	}
	defer func() { _ = lock.Unlock() }()

	seqPath := filepath.Join(l.cfg.BaseDir, SequenceNumberFile)
	prev := 0
	if data, err := os.ReadFile(seqPath); err == nil {
		if n, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			prev = n
		}
	}
	l.sequenceNum = prev + 1

	if err := writeFileAtomic(seqPath, []byte(strconv.Itoa(l.sequenceNum))); err != nil {
		l.logger.Error("unable to update log sequence number file", "path", seqPath, "error", err)
	}

	guidPath := filepath.Join(l.cfg.BaseDir, fmt.Sprintf(prevGUIDPattern, l.cfg.DeviceID))
	l.prevGUID = ""
	if data, err := os.ReadFile(guidPath); err == nil {
		l.prevGUID = strings.TrimSpace(string(data))
	}
	if err := writeFileAtomic(guidPath, []byte(l.guid)); err != nil {
		l.logger.Error("unable to update prev GUID file", "path", guidPath, "error", err)
	}

	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (l *LogCapture) updateSymlink() {
	symlinkPath := filepath.Join(l.cfg.BaseDir, currentLogSymlink)

	if info, err := os.Lstat(symlinkPath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			_ = os.Remove(symlinkPath)
		} else {
			l.logger.Warn("unable to replace existing current_log entry, skipping symlink",
				"path", symlinkPath)
			return
		}
	}

	rel, err := filepath.Rel(l.cfg.BaseDir, l.logDir)
	if err != nil {
		rel = l.logDir
	}
	if err := os.Symlink(rel, symlinkPath); err != nil {
		l.logger.Warn("unable to create current_log symlink", "error", err)
	}
}

func (l *LogCapture) createManifest() error {
	deviceType := l.cfg.DeviceType
	if deviceType == "" {
		deviceType = DeviceTypeUnknown
	}

	channels := make([]string, 0, 1+len(l.cfg.ExtraChannels))
	channels = append(channels, l.cfg.DataFilename)
	channels = append(channels, l.cfg.ExtraChannels...)
	sort.Strings(channels)

	m := &Manifest{
		GUID:            l.guid,
		PrevGUID:        l.prevGUID,
		LogSequenceNum:  l.sequenceNum,
		CreationTime:    FloatField(float64(l.creationTime.UnixNano()) / 1e9),
		CreationGPSTime: FloatField(GPSTimeFromUnix(l.creationTime)),
		DeviceID:        l.cfg.DeviceID,
		DeviceType:      deviceType,
		Channels:        channels,
	}

	return WriteManifest(filepath.Join(l.logDir, ManifestFilename), m)
}
