package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/navrunner/auxcapture"
	"github.com/c360/navrunner/config"
	"github.com/c360/navrunner/device/devicetest"
	"github.com/c360/navrunner/logcapture"
	"github.com/c360/navrunner/protocol/fusion"
	"github.com/c360/navrunner/protocol/nmea"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, mutate func(*config.Config)) (*Orchestrator, *devicetest.Source) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DeviceID = "test-device"
	cfg.Device.Port = "/dev/null"
	cfg.Log.Format = config.LogFormatNone
	cfg.Output.Type = config.OutputTypeNone
	if mutate != nil {
		mutate(&cfg)
	}

	source := devicetest.NewSource()
	orch, err := New(cfg, source, nil, testLogger(), nil)
	require.NoError(t, err)
	return orch, source
}

func encodeFrame(t *testing.T, msg any) []byte {
	t.Helper()
	data, err := fusion.NewEncoder().Encode(msg)
	require.NoError(t, err)
	return data
}

func decodeResetRequests(t *testing.T, data []byte) []fusion.ResetRequest {
	t.Helper()
	var requests []fusion.ResetRequest
	for _, frame := range fusion.NewDecoder().OnData(data) {
		if rr, ok := frame.Payload.(fusion.ResetRequest); ok {
			requests = append(requests, rr)
		}
	}
	return requests
}

func TestHandshakeTransitionsExactlyOnce(t *testing.T) {
	h := NewHandshake(true)
	assert.Equal(t, StateAwaitingFirstData, h.State())
	assert.False(t, h.Complete())

	// Acknowledgement before any data must not advance the machine.
	assert.False(t, h.OnAcknowledgement())
	assert.Equal(t, StateAwaitingFirstData, h.State())

	assert.True(t, h.OnFirstData(true))
	assert.Equal(t, StateResetRequested, h.State())

	// Only the first chunk triggers a reset send.
	assert.False(t, h.OnFirstData(true))

	assert.True(t, h.OnAcknowledgement())
	assert.Equal(t, StateResetComplete, h.State())
	assert.True(t, h.Complete())

	// Duplicate acknowledgements are no-ops and the state never regresses.
	assert.False(t, h.OnAcknowledgement())
	assert.False(t, h.OnFirstData(true))
	assert.Equal(t, StateResetComplete, h.State())
}

func TestHandshakeCompletesWithoutAckWait(t *testing.T) {
	h := NewHandshake(true)
	assert.True(t, h.OnFirstData(false))
	assert.Equal(t, StateResetComplete, h.State())
	assert.False(t, h.OnAcknowledgement())
}

func TestHandshakeDisabledStartsComplete(t *testing.T) {
	h := NewHandshake(false)
	assert.True(t, h.Complete())
	assert.False(t, h.OnFirstData(true))
	assert.False(t, h.OnAcknowledgement())
	assert.Equal(t, StateResetComplete, h.State())
}

func TestFirstDataSendsResetRequest(t *testing.T) {
	orch, source := newTestOrchestrator(t, nil)

	orch.onData([]byte("boot noise"))

	assert.Equal(t, StateResetRequested, orch.HandshakeState())
	requests := decodeResetRequests(t, source.Written())
	require.Len(t, requests, 1)
	assert.Equal(t, fusion.ResetHotStart, requests[0].ResetMask)

	// The chunk that triggered the reset is not recorded.
	assert.Equal(t, ByteCounters{}, orch.Counters())
}

func TestResetMaskFollowsConfiguredType(t *testing.T) {
	tests := []struct {
		reset config.ResetType
		mask  uint32
	}{
		{config.ResetHot, fusion.ResetHotStart},
		{config.ResetWarm, fusion.ResetWarmStart},
		{config.ResetCold, fusion.ResetColdStart},
		{config.ResetPVT, fusion.ResetPVT},
		{config.ResetDiag, fusion.ResetDiagnosticLogReset},
	}

	for _, tc := range tests {
		t.Run(string(tc.reset), func(t *testing.T) {
			orch, source := newTestOrchestrator(t, func(cfg *config.Config) {
				cfg.Reset = tc.reset
			})
			orch.onData([]byte{0x00})
			requests := decodeResetRequests(t, source.Written())
			require.Len(t, requests, 1)
			assert.Equal(t, tc.mask, requests[0].ResetMask)
		})
	}
}

func TestResetResentAfterTimeout(t *testing.T) {
	orch, source := newTestOrchestrator(t, nil)

	orch.onData([]byte{0x00})
	require.Equal(t, StateResetRequested, orch.HandshakeState())
	source.ClearWritten()

	// Data without an acknowledgement inside the resend window does not
	// trigger another request.
	orch.onData([]byte{0x01, 0x02})
	assert.Empty(t, decodeResetRequests(t, source.Written()))

	orch.lastResetSend = time.Now().Add(-resetResendInterval - time.Second)
	orch.onData([]byte{0x03})
	assert.Len(t, decodeResetRequests(t, source.Written()), 1)
	assert.Equal(t, StateResetRequested, orch.HandshakeState())
}

func TestAckSuffixProcessedInSameCall(t *testing.T) {
	orch, source := newTestOrchestrator(t, nil)

	orch.onData([]byte{0x00})
	require.Equal(t, StateResetRequested, orch.HandshakeState())
	source.ClearWritten()

	ack := encodeFrame(t, fusion.CommandResponse{Response: fusion.ResponseOK})
	gga := []byte(nmea.FormatGGA(37.7749, -122.4194, 10.5, time.Date(2024, 6, 1, 13, 46, 58, 0, time.UTC)))
	pose := encodeFrame(t, fusion.Pose{
		P1TimeSec:    12.3,
		GPSTimeSec:   1400000000.5,
		LatDeg:       37.7749,
		LonDeg:       -122.4194,
		AltM:         10.5,
		SolutionType: fusion.SolutionAutonomous,
	})

	chunk := append(append(append([]byte{}, ack...), gga...), pose...)
	orch.onData(chunk)

	assert.Equal(t, StateResetComplete, orch.HandshakeState())

	// The acknowledgement itself is handshake traffic; only the suffix
	// after it is counted and routed.
	counters := orch.Counters()
	assert.Equal(t, uint64(len(gga)+len(pose)), counters.All)
	assert.Equal(t, uint64(len(pose)), counters.FusionEng)
	assert.Equal(t, uint64(len(gga)), counters.NMEA)
	assert.Equal(t, uint64(1), orch.fePositions.Load())
	assert.Equal(t, uint64(1), orch.nmeaPositions.Load())
}

func TestBytesBeforeAckStayOutOfRouting(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)

	orch.onData([]byte{0x00})
	require.Equal(t, StateResetRequested, orch.HandshakeState())

	gga := []byte(nmea.FormatGGA(37.0, -122.0, 0, time.Now().UTC()))
	ack := encodeFrame(t, fusion.CommandResponse{Response: fusion.ResponseOK})

	orch.onData(append(append([]byte{}, gga...), ack...))

	assert.Equal(t, StateResetComplete, orch.HandshakeState())
	assert.Equal(t, ByteCounters{}, orch.Counters())
	assert.Equal(t, uint64(0), orch.nmeaPositions.Load())
}

func TestRejectedResetStillCompletesHandshake(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil)

	orch.onData([]byte{0x00})
	ack := encodeFrame(t, fusion.CommandResponse{Response: fusion.ResponseValueError})
	orch.onData(ack)

	assert.Equal(t, StateResetComplete, orch.HandshakeState())
}

func TestLateAckWithResetDisabledIsNoOp(t *testing.T) {
	orch, source := newTestOrchestrator(t, func(cfg *config.Config) {
		cfg.Reset = config.ResetNone
	})
	require.Equal(t, StateResetComplete, orch.HandshakeState())

	ack := encodeFrame(t, fusion.CommandResponse{Response: fusion.ResponseOK})
	orch.onData(ack)

	// No reset was ever requested, so the ack is routed as ordinary
	// FusionEngine traffic and nothing is written to the device.
	assert.Equal(t, StateResetComplete, orch.HandshakeState())
	assert.Empty(t, source.Written())
	assert.Equal(t, uint64(len(ack)), orch.Counters().FusionEng)
}

func TestCorrectionsGatedOnHandshake(t *testing.T) {
	orch, source := newTestOrchestrator(t, nil)

	corrections := []byte{0xD3, 0x00, 0x01, 0x02}
	orch.OnCorrectionData(corrections)

	// Discarded before the reset completes, but still counted.
	assert.Empty(t, source.Written())
	assert.Equal(t, uint64(len(corrections)), orch.Counters().Corrections)

	orch.handshake.OnFirstData(true)
	orch.handshake.OnAcknowledgement()
	orch.OnCorrectionData(corrections)
	assert.Equal(t, corrections, source.Written())
	assert.Equal(t, uint64(2*len(corrections)), orch.Counters().Corrections)
}

func TestExternalDataForwardedToDevice(t *testing.T) {
	orch, source := newTestOrchestrator(t, func(cfg *config.Config) {
		cfg.Reset = config.ResetNone
	})

	payload := []byte("$PQTMCFG,OK*2A\r\n")
	orch.HandleExternalData(payload)
	assert.Equal(t, payload, source.Written())
}

func TestVersionInfoUpdatesManifestOnce(t *testing.T) {
	captureCfg := logcapture.Config{
		DeviceID:     "test-device",
		BaseDir:      t.TempDir(),
		DataFilename: "input.p1log",
	}
	capture, err := logcapture.New(captureCfg, testLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, capture.Start(context.Background()))
	defer capture.Stop(time.Second)

	cfg := config.DefaultConfig()
	cfg.DeviceID = "test-device"
	cfg.Device.Port = "/dev/null"
	cfg.Reset = config.ResetNone
	cfg.Log.Format = config.LogFormatNone
	cfg.Output.Type = config.OutputTypeNone

	source := devicetest.NewSource()
	orch, err := New(cfg, source, capture, testLogger(), nil)
	require.NoError(t, err)

	orch.onData(encodeFrame(t, fusion.VersionInfo{EngineVersion: "lg69t-ap-v0.17.2"}))

	manifest, err := logcapture.ReadManifest(filepath.Join(capture.Directory(), logcapture.ManifestFilename))
	require.NoError(t, err)
	assert.Equal(t, logcapture.DeviceTypeLG69TAP, manifest.DeviceType)
	assert.Equal(t, "lg69t-ap-v0.17.2", manifest.SWVersion)

	// A second version report does not rewrite the manifest.
	orch.onData(encodeFrame(t, fusion.VersionInfo{EngineVersion: "lg69t-am-v9.9.9"}))
	manifest, err = logcapture.ReadManifest(filepath.Join(capture.Directory(), logcapture.ManifestFilename))
	require.NoError(t, err)
	assert.Equal(t, logcapture.DeviceTypeLG69TAP, manifest.DeviceType)
}

func TestP1LogFormatCapturesOnlyFusionFrames(t *testing.T) {
	captureCfg := logcapture.Config{
		DeviceID:     "test-device",
		BaseDir:      t.TempDir(),
		DataFilename: "input.p1log",
	}
	capture, err := logcapture.New(captureCfg, testLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, capture.Start(context.Background()))

	cfg := config.DefaultConfig()
	cfg.DeviceID = "test-device"
	cfg.Device.Port = "/dev/null"
	cfg.Reset = config.ResetNone
	cfg.Log.Format = config.LogFormatP1Log
	cfg.Output.Type = config.OutputTypeNone

	source := devicetest.NewSource()
	orch, err := New(cfg, source, capture, testLogger(), nil)
	require.NoError(t, err)

	gga := []byte(nmea.FormatGGA(37.0, -122.0, 5.0, time.Now().UTC()))
	pose := encodeFrame(t, fusion.Pose{P1TimeSec: 1.0, SolutionType: fusion.SolutionAutonomous})
	orch.onData(append(append([]byte{}, gga...), pose...))

	require.NoError(t, capture.Stop(time.Second))

	recorded, err := os.ReadFile(filepath.Join(capture.Directory(), "input.p1log"))
	require.NoError(t, err)
	assert.Equal(t, pose, recorded)
}

func TestCorrectionPathSafeDuringAuxFailure(t *testing.T) {
	orch, source := newTestOrchestrator(t, nil)

	auxSource := devicetest.NewSource()
	orch.AttachAux(auxcapture.NewLoop(auxSource, "aux", "", testLogger()), true)

	require.NoError(t, orch.Start(context.Background()))

	// Closing the auxiliary source makes the next Poll fail, so the read
	// loop detaches the loop while corrections are still being relayed.
	require.NoError(t, auxSource.Close())

	const writers = 4
	const perWriter = 200
	correctionChunk := []byte{0xD3, 0x00, 0x01}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				orch.OnCorrectionData(correctionChunk)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < perWriter; j++ {
			orch.SetPositionOverride(37.0, -122.0, float64(j))
		}
	}()

	// Drive the handshake from the read loop while corrections arrive.
	source.Queue([]byte{0x00})
	source.Queue(encodeFrame(t, fusion.CommandResponse{Response: fusion.ResponseOK}))
	source.Queue(encodeFrame(t, fusion.Pose{P1TimeSec: 1.0, SolutionType: fusion.SolutionAutonomous}))

	wg.Wait()

	// The read loop detaches the failed auxiliary loop on its next pass.
	require.Eventually(t, func() bool { return orch.auxLoop() == nil },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, orch.Stop(time.Second))
	require.NoError(t, orch.Join(time.Second))

	expected := uint64(writers * perWriter * len(correctionChunk))
	assert.Equal(t, expected, orch.Counters().Corrections)
}

func TestStartStopLifecycle(t *testing.T) {
	orch, source := newTestOrchestrator(t, func(cfg *config.Config) {
		cfg.Reset = config.ResetNone
	})

	require.NoError(t, orch.Start(context.Background()))
	assert.Error(t, orch.Start(context.Background()))

	require.NoError(t, orch.Stop(time.Second))
	require.NoError(t, orch.Join(time.Second))
	assert.True(t, source.Closed())
	assert.NoError(t, orch.Err())
}

func TestReadErrorTerminatesLoop(t *testing.T) {
	orch, source := newTestOrchestrator(t, func(cfg *config.Config) {
		cfg.Reset = config.ResetNone
	})

	require.NoError(t, orch.Start(context.Background()))
	require.NoError(t, source.Close())

	select {
	case <-orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not terminate after device error")
	}
	assert.Error(t, orch.Err())
}
