// Package session implements the device session orchestrator: one serial
// read loop that drives the reset handshake, demultiplexes the byte stream
// into its three protocols, and fans data out to capture, broadcast, and
// correction sinks without letting any one of them stall another.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/navrunner/auxcapture"
	"github.com/c360/navrunner/broadcast"
	"github.com/c360/navrunner/config"
	"github.com/c360/navrunner/correction"
	"github.com/c360/navrunner/device"
	"github.com/c360/navrunner/errors"
	"github.com/c360/navrunner/logcapture"
	"github.com/c360/navrunner/metric"
	"github.com/c360/navrunner/protocol/fusion"
	"github.com/c360/navrunner/protocol/nmea"
	"github.com/c360/navrunner/protocol/rtcm"
)

const (
	readBufferSize = 4096

	// resetResendInterval bounds how long we wait for a reset
	// acknowledgement before reissuing the request. Resends continue for
	// the life of the session.
	resetResendInterval = 5 * time.Second

	// dataTimeoutWarnInterval rate-limits the no-data warning.
	dataTimeoutWarnInterval = 5 * time.Second

	// missingFEWarnInterval rate-limits the misconfiguration warning
	// raised when NMEA positions arrive without any FusionEngine ones.
	missingFEWarnInterval = 30 * time.Second

	// missingFEThreshold is how many NMEA positions must arrive with zero
	// FusionEngine positions before the warning fires.
	missingFEThreshold = 10

	// positionReportInterval spaces the upstream caster position reports.
	positionReportInterval = 60 * time.Second
)

type sessionMetrics struct {
	bytesReceived *prometheus.CounterVec
	positions     *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *sessionMetrics {
	if registry == nil {
		return nil
	}

	m := &sessionMetrics{
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "bytes_received_total",
			Help:      "Bytes received per stream class",
		}, []string{"stream"}),
		positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "positions_total",
			Help:      "Position fixes observed per protocol",
		}, []string{"protocol"}),
	}

	registry.PrometheusRegistry().MustRegister(m.bytesReceived, m.positions)
	return m
}

// ByteCounters are the session's running totals. They only grow for the
// life of the session.
type ByteCounters struct {
	All         uint64
	FusionEng   uint64
	NMEA        uint64
	Corrections uint64
}

// Orchestrator owns the primary serial connection and ties the handshake,
// protocol demux, and sinks together. Collaborators are attached before
// Start and are started and stopped by the orchestrator.
type Orchestrator struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *sessionMetrics

	source      device.DataSource
	capture     *logcapture.LogCapture
	broadcaster *broadcast.Server
	corrections *correction.Client
	aux         *auxcapture.Loop

	// auxRelayCorrections mirrors the correction stream to the auxiliary
	// device in addition to the primary one.
	auxRelayCorrections bool

	handshake *Handshake
	feDecoder *fusion.Decoder
	feEncoder *fusion.Encoder
	nmea      *nmea.Framer
	rtcm      *rtcm.Framer

	counterAll         atomic.Uint64
	counterFE          atomic.Uint64
	counterNMEA        atomic.Uint64
	counterCorrections atomic.Uint64
	fePositions        atomic.Uint64
	nmeaPositions      atomic.Uint64

	startTime     time.Time
	lastStatus    time.Time
	lastResetSend time.Time

	dataTimeoutWarn *rate.Limiter
	missingFEWarn   *rate.Limiter
	dualSourceWarn  sync.Once

	manifestUpdated  bool
	lastPosePrintP1  float64
	havePosePrint    bool
	lastPositionSend time.Time
	positionOverride *[3]float64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// New creates an orchestrator for the given primary device source. capture
// may be nil when session recording is disabled; when present it must be
// started before the orchestrator, since other sinks record into its
// session directory. The metrics registry may be nil.
func New(cfg config.Config, source device.DataSource, capture *logcapture.LogCapture,
	logger *slog.Logger, registry *metric.MetricsRegistry) (*Orchestrator, error) {
	if source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "device source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:             cfg,
		logger:          logger.With("component", "session", "device_id", cfg.DeviceID),
		metrics:         newMetrics(registry),
		source:          source,
		capture:         capture,
		handshake:       NewHandshake(cfg.Reset != config.ResetNone),
		feDecoder:       fusion.NewDecoder(),
		feEncoder:       fusion.NewEncoder(),
		nmea:            nmea.NewFramer(),
		rtcm:            rtcm.NewFramer(),
		dataTimeoutWarn: rate.NewLimiter(rate.Every(dataTimeoutWarnInterval), 1),
		missingFEWarn:   rate.NewLimiter(rate.Every(missingFEWarnInterval), 1),
	}, nil
}

// AttachBroadcast wires the broadcast server. Call before Start.
func (o *Orchestrator) AttachBroadcast(server *broadcast.Server) {
	o.broadcaster = server
}

// AttachCorrections wires the correction client. Call before Start.
func (o *Orchestrator) AttachCorrections(client *correction.Client) {
	o.corrections = client
}

// AttachAux wires the auxiliary capture loop. When relayCorrections is true
// the correction stream is mirrored to the auxiliary device. Call before
// Start.
func (o *Orchestrator) AttachAux(loop *auxcapture.Loop, relayCorrections bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aux = loop
	o.auxRelayCorrections = relayCorrections
}

// auxLoop returns the current auxiliary loop, which the read loop detaches
// on failure while the correction path may be relaying to it.
func (o *Orchestrator) auxLoop() *auxcapture.Loop {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aux
}

func (o *Orchestrator) detachAux() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aux = nil
}

// SetPositionOverride forces the position reported upstream instead of the
// device's own fixes.
func (o *Orchestrator) SetPositionOverride(latDeg, lonDeg, heightM float64) {
	o.mu.Lock()
	o.positionOverride = &[3]float64{latDeg, lonDeg, heightM}
	o.mu.Unlock()

	if o.corrections != nil && o.corrections.IsConnected() {
		if o.corrections.SendPosition(latDeg, lonDeg, heightM, time.Now()) {
			o.mu.Lock()
			o.lastPositionSend = time.Now()
			o.mu.Unlock()
		}
	}
}

// HandshakeState returns the current handshake state.
func (o *Orchestrator) HandshakeState() HandshakeState { return o.handshake.State() }

// Counters returns a snapshot of the session byte counters.
func (o *Orchestrator) Counters() ByteCounters {
	return ByteCounters{
		All:         o.counterAll.Load(),
		FusionEng:   o.counterFE.Load(),
		NMEA:        o.counterNMEA.Load(),
		Corrections: o.counterCorrections.Load(),
	}
}

// Start launches the attached collaborators and the serial read loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "Orchestrator", "Start", "start session")
	}

	if o.broadcaster != nil {
		if err := o.broadcaster.Start(ctx); err != nil {
			return err
		}
	}
	if o.corrections != nil {
		if err := o.corrections.Start(ctx); err != nil {
			return err
		}
	}
	if o.aux != nil {
		if err := o.aux.Start(ctx); err != nil {
			return err
		}
	}

	if o.handshake.Complete() {
		o.logger.Debug("device reset disabled, recording data immediately")
	}

	o.startTime = time.Now()
	o.lastStatus = o.startTime

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true

	o.logger.Info("listening for incoming data")
	go o.run(runCtx)
	return nil
}

// Done is closed when the read loop exits, either on Stop or on a fatal
// device error.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Err returns the fatal error that terminated the read loop, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// Stop signals the read loop and stops every collaborator in fixed order:
// broadcast, corrections, capture, auxiliary.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()

	var firstErr error
	if o.broadcaster != nil {
		if err := o.broadcaster.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.corrections != nil {
		if err := o.corrections.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.capture != nil {
		if err := o.capture.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Join waits for the read loop to exit, then closes the serial ports. Call
// after Stop.
func (o *Orchestrator) Join(timeout time.Duration) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return errors.WrapTransient(errors.ErrShuttingDown, "Orchestrator", "Join", "wait for read loop exit")
		}
	}

	if aux := o.auxLoop(); aux != nil {
		if err := aux.Close(); err != nil {
			o.logger.Warn("error closing auxiliary device", "error", err)
		}
	}
	return o.source.Close()
}

// SendToDevice writes bytes directly to the primary serial port. Used for
// corrections and externally injected data.
func (o *Orchestrator) SendToDevice(data []byte) error {
	if _, err := o.source.Write(data); err != nil {
		return errors.Wrap(errors.ErrDeviceWrite, "Orchestrator", "SendToDevice", "write to device")
	}
	return nil
}

// OnCorrectionData receives correction bytes from the correction client and
// forwards them to the device once the handshake is complete. Corrections
// arriving before that are counted and discarded.
func (o *Orchestrator) OnCorrectionData(data []byte) {
	o.counterCorrections.Add(uint64(len(data)))
	if o.metrics != nil {
		o.metrics.bytesReceived.WithLabelValues("corrections").Add(float64(len(data)))
	}

	o.mu.Lock()
	aux, relay := o.aux, o.auxRelayCorrections
	o.mu.Unlock()
	if aux != nil && relay {
		if err := aux.Write(data); err != nil {
			o.logger.Debug("auxiliary correction relay failed", "error", err)
		}
	}

	if !o.handshake.Complete() {
		o.logger.Debug("waiting for reset, discarding corrections data")
		return
	}
	if err := o.SendToDevice(data); err != nil {
		o.logger.Warn("failed to forward corrections to device", "error", err)
	}
}

// HandleExternalData receives bytes injected by a broadcast client (for
// example a desktop tool sending commands or corrections) and writes them
// to the device. If a correction client is also active, both sources write
// to the same channel; warn once.
func (o *Orchestrator) HandleExternalData(data []byte) {
	if o.corrections != nil {
		o.dualSourceWarn.Do(func() {
			o.logger.Error("detected data from an external source while the correction client is active; " +
				"corrections from both sources may conflict")
		})
	}
	if err := o.SendToDevice(data); err != nil {
		o.logger.Warn("failed to forward external data to device", "error", err)
	}
}

// run is the primary read loop. A device read error is fatal and terminates
// the session.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := o.source.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("unexpected error reading from device", "error", err)
			o.mu.Lock()
			o.runErr = errors.WrapFatal(err, "Orchestrator", "run", "read from device")
			o.mu.Unlock()
			return
		}

		if n > 0 {
			o.onData(buf[:n])
		} else if o.dataTimeoutWarn.Allow() {
			o.logger.Warn("timed out waiting for device data")
		}

		if aux := o.auxLoop(); aux != nil {
			if err := aux.Poll(); err != nil {
				o.logger.Error("auxiliary device read failed, disabling auxiliary capture", "error", err)
				o.detachAux()
			}
		}
	}
}

// onData processes one non-empty chunk in arrival order.
func (o *Orchestrator) onData(data []byte) {
	switch o.handshake.State() {
	case StateAwaitingFirstData:
		// First data proves the device is connected; reset it so the
		// session records everything the device produces.
		if o.handshake.OnFirstData(o.cfg.WaitForReset) {
			o.sendReset()
		}
		return

	case StateResetRequested:
		// Feed one byte at a time so no post-acknowledgement byte leaks
		// into the handshake-only decode.
		consumed := 0
		for consumed < len(data) && !o.handshake.Complete() {
			for _, frame := range o.feDecoder.OnData(data[consumed : consumed+1]) {
				o.handleFusionFrame(frame.Payload, frame.Raw, true)
			}
			consumed++
		}

		if !o.handshake.Complete() {
			if time.Since(o.lastResetSend) > resetResendInterval {
				o.logger.Warn("reset response timed out, resending reset request")
				o.sendReset()
			}
			return
		}

		// Process the unconsumed suffix normally in this same call.
		data = data[consumed:]
		if len(data) == 0 {
			return
		}
	}

	o.processChunk(data)
}

// processChunk routes a chunk with the handshake complete.
func (o *Orchestrator) processChunk(data []byte) {
	o.counterAll.Add(uint64(len(data)))
	if o.metrics != nil {
		o.metrics.bytesReceived.WithLabelValues("all").Add(float64(len(data)))
	}

	// Raw fan-out happens before decoding so a decoder bug cannot lose
	// captured bytes.
	if o.capture != nil && o.cfg.Log.Format == config.LogFormatRaw {
		o.capture.Write(data)
	}
	if o.broadcaster != nil && o.cfg.Output.Type == config.OutputTypeAll {
		o.broadcaster.Send(data)
	}

	for _, frame := range o.feDecoder.OnData(data) {
		o.counterFE.Add(uint64(len(frame.Raw)))
		if o.metrics != nil {
			o.metrics.bytesReceived.WithLabelValues("fusion_engine").Add(float64(len(frame.Raw)))
		}

		if o.capture != nil && o.cfg.Log.Format == config.LogFormatP1Log {
			o.capture.Write(frame.Raw)
		}
		if o.broadcaster != nil && o.cfg.Output.Type == config.OutputTypeFusionEngine {
			o.broadcaster.Send(frame.Raw)
		}

		o.handleFusionFrame(frame.Payload, frame.Raw, false)
	}

	// Diagnostic-only counting; decode problems here are never fatal.
	for _, frame := range o.rtcm.OnData(data) {
		if msg, ok := frame.Payload.(rtcm.Message); ok {
			o.logger.Debug("received RTCM message", "message_id", msg.MessageID, "size", len(frame.Raw))
		}
	}

	for _, frame := range o.nmea.OnData(data) {
		o.counterNMEA.Add(uint64(len(frame.Raw)))
		if o.metrics != nil {
			o.metrics.bytesReceived.WithLabelValues("nmea").Add(float64(len(frame.Raw)))
		}

		if o.capture != nil && o.cfg.Log.Format == config.LogFormatNMEA {
			o.capture.Write(frame.Raw)
		}
		if o.broadcaster != nil &&
			(o.cfg.Output.Type == config.OutputTypeNMEA || o.cfg.Output.Type == config.OutputTypeLegacyNMEA) {
			o.broadcaster.Send(frame.Raw)
		}

		if nmea.IsGGA(string(frame.Raw)) {
			o.onNMEAPosition()
		}
	}

	o.maybePrintStatus(time.Now())
}

func (o *Orchestrator) onNMEAPosition() {
	count := o.nmeaPositions.Add(1)
	if o.metrics != nil {
		o.metrics.positions.WithLabelValues("nmea").Inc()
	}

	if count > missingFEThreshold && o.fePositions.Load() == 0 && o.missingFEWarn.Allow() {
		o.logger.Warn("FusionEngine data not detected on the device port; "+
			"NMEA positions are arriving but no FusionEngine messages have been seen, "+
			"check the configured serial port",
			"nmea_positions", count)
	}
}

// handleFusionFrame dispatches a decoded FusionEngine message. During the
// handshake only the command response is acted on.
func (o *Orchestrator) handleFusionFrame(payload any, raw []byte, handshakeOnly bool) {
	switch msg := payload.(type) {
	case fusion.CommandResponse:
		o.handleCommandResponse(msg)
	case fusion.Pose:
		if !handshakeOnly {
			o.handlePose(msg)
		}
	case fusion.CalibrationStatus:
		if !handshakeOnly {
			o.handleCalibration(msg)
		}
	case fusion.VersionInfo:
		if !handshakeOnly {
			o.handleVersion(msg)
		}
	default:
		o.logger.Debug("received FusionEngine message", "size", len(raw))
	}
}

func (o *Orchestrator) handleCommandResponse(msg fusion.CommandResponse) {
	if !o.handshake.OnAcknowledgement() {
		// Late or duplicate acknowledgement; nothing to do.
		return
	}
	if msg.OK() {
		o.logger.Info("device reset complete, starting data logging")
	} else {
		o.logger.Error("reset rejected by device, logging all future data for debugging",
			"response", msg.Response)
	}
}

func (o *Orchestrator) handlePose(msg fusion.Pose) {
	if !o.handshake.Complete() {
		return
	}

	o.fePositions.Add(1)
	if o.metrics != nil {
		o.metrics.positions.WithLabelValues("fusion_engine").Inc()
	}

	o.printPose(msg)
	o.maybeReportPosition(msg)
}

// printPose emits the position fix at Info on GPS one-second boundaries and
// at Debug otherwise, keeping the console output at roughly 1 Hz.
func (o *Orchestrator) printPose(msg fusion.Pose) {
	var line string
	if msg.GPSTimeSec > 0 {
		week := int(msg.GPSTimeSec) / secondsPerWeek
		tow := msg.GPSTimeSec - float64(week*secondsPerWeek)
		utc := gpsToUTC(msg.GPSTimeSec)
		line = fmt.Sprintf("%s UTC (GPS %d:%.2f, P1 %.2f sec)",
			utc.Format("2006/01/02 15:04:05.00"), week, tow, msg.P1TimeSec)
	} else {
		line = fmt.Sprintf("P1 %.2f sec", msg.P1TimeSec)
	}
	line += fmt.Sprintf(" - [LLA=%.8f, %.8f, %.2f] [Type=%s (%d)]",
		msg.LatDeg, msg.LonDeg, msg.AltM, msg.SolutionType, uint8(msg.SolutionType))

	var printNow bool
	if msg.GPSTimeSec > 0 {
		frac := msg.GPSTimeSec - float64(int64(msg.GPSTimeSec))
		printNow = frac < 0.05 || (1-frac) < 0.05
	} else {
		printNow = !o.havePosePrint || msg.P1TimeSec-o.lastPosePrintP1 >= 1.0
	}

	if printNow {
		o.logger.Info(line)
		o.lastPosePrintP1 = msg.P1TimeSec
		o.havePosePrint = true
	} else {
		o.logger.Debug(line)
	}
}

// maybeReportPosition forwards the fix to the correction caster at most
// once per positionReportInterval.
func (o *Orchestrator) maybeReportPosition(msg fusion.Pose) {
	if o.corrections == nil {
		return
	}

	o.mu.Lock()
	override := o.positionOverride
	lastSend := o.lastPositionSend
	o.mu.Unlock()

	if msg.SolutionType == fusion.SolutionInvalid && override == nil {
		return
	}

	now := time.Now()
	if !lastSend.IsZero() && now.Sub(lastSend) < positionReportInterval {
		return
	}

	var sent bool
	if override != nil {
		sent = o.corrections.SendPosition(override[0], override[1], override[2], now)
	} else {
		sent = o.corrections.SendPosition(msg.LatDeg, msg.LonDeg, msg.AltM, now)
	}
	if sent {
		o.mu.Lock()
		o.lastPositionSend = now
		o.mu.Unlock()
	}
}

func (o *Orchestrator) handleCalibration(msg fusion.CalibrationStatus) {
	if !o.handshake.Complete() {
		return
	}
	o.logger.Info("calibration status",
		"stage", msg.Stage,
		"gyro_pct", fmt.Sprintf("%.1f", msg.GyroPercent),
		"accel_pct", fmt.Sprintf("%.1f", msg.AccelPercent),
		"mounting_angle_pct", fmt.Sprintf("%.1f", msg.MountingAnglePercent),
		"ypr_deg", fmt.Sprintf("(%.1f, %.1f, %.1f)", msg.YPRDeg[0], msg.YPRDeg[1], msg.YPRDeg[2]),
		"travel_km", fmt.Sprintf("%.1f", msg.TravelDistanceM*1e-3))
}

// handleVersion records the discovered device type and software version in
// the session manifest, once.
func (o *Orchestrator) handleVersion(msg fusion.VersionInfo) {
	if o.manifestUpdated {
		return
	}
	o.manifestUpdated = true

	o.logger.Info("detected FusionEngine software version", "sw_version", msg.EngineVersion)

	deviceType := logcapture.DeviceTypeFromVersion(msg.EngineVersion)
	if deviceType == logcapture.DeviceTypeUnknown {
		o.logger.Warn("could not deduce device type from version string")
	}

	if o.capture != nil {
		swVersion := msg.EngineVersion
		if err := o.capture.UpdateManifest(logcapture.ManifestUpdate{
			DeviceType: &deviceType,
			SWVersion:  &swVersion,
		}); err != nil {
			o.logger.Warn("failed to update manifest with device version", "error", err)
		}
	}
}

func (o *Orchestrator) sendReset() {
	mask, err := resetMask(o.cfg.Reset)
	if err != nil {
		o.logger.Error("unsupported reset type", "reset", string(o.cfg.Reset))
		return
	}

	message, err := o.feEncoder.Encode(fusion.ResetRequest{ResetMask: mask})
	if err != nil {
		o.logger.Error("failed to encode reset request", "error", err)
		return
	}

	o.logger.Info("issuing reset request to the device", "reset", string(o.cfg.Reset))
	if err := o.SendToDevice(message); err != nil {
		o.logger.Error("failed to send reset request", "error", err)
	}
	o.lastResetSend = time.Now()
}

func resetMask(t config.ResetType) (uint32, error) {
	switch t {
	case config.ResetHot:
		return fusion.ResetHotStart, nil
	case config.ResetWarm:
		return fusion.ResetWarmStart, nil
	case config.ResetCold:
		return fusion.ResetColdStart, nil
	case config.ResetPVT:
		return fusion.ResetPVT, nil
	case config.ResetDiag:
		return fusion.ResetDiagnosticLogReset, nil
	}
	return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "resetMask",
		fmt.Sprintf("unsupported reset type %q", t))
}

func (o *Orchestrator) maybePrintStatus(now time.Time) {
	if now.Sub(o.lastStatus) <= o.cfg.StatusInterval {
		return
	}
	o.lastStatus = now

	o.logger.Info("session status",
		"bytes", o.counterAll.Load(),
		"epochs", o.fePositions.Load(),
		"elapsed", now.Sub(o.startTime).Round(100*time.Millisecond).String(),
		"fusion_engine_bytes", o.counterFE.Load(),
		"nmea_bytes", o.counterNMEA.Load(),
		"corrections_bytes", o.counterCorrections.Load())
}

const secondsPerWeek = 7 * 24 * 3600

// gpsEpoch is 1980-01-06T00:00:00Z.
var gpsEpoch = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

// gpsLeapSeconds is the current GPS-to-UTC leap second offset.
const gpsLeapSeconds = 18

func gpsToUTC(gpsSec float64) time.Time {
	return gpsEpoch.Add(time.Duration((gpsSec - gpsLeapSeconds) * float64(time.Second)))
}
