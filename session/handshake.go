package session

import "sync"

// HandshakeState tracks the reset exchange that establishes a known device
// state before data is trusted for capture.
type HandshakeState string

const (
	// StateAwaitingFirstData means no bytes have arrived yet; the reset
	// request is deferred until the device proves it is connected.
	StateAwaitingFirstData HandshakeState = "awaiting_first_data"

	// StateResetRequested means the reset command is in flight. Inbound
	// bytes feed only the FusionEngine decoder until the acknowledgement
	// arrives.
	StateResetRequested HandshakeState = "reset_requested"

	// StateResetComplete is terminal; all routing is active.
	StateResetComplete HandshakeState = "reset_complete"
)

// Handshake is the session handshake state machine. Transitions are driven
// from the orchestrator's read loop, but the correction client's goroutine
// observes the state concurrently, so all access goes through the mutex.
type Handshake struct {
	mu    sync.Mutex
	state HandshakeState
}

// NewHandshake creates the state machine. When resetEnabled is false the
// handshake starts out complete and data is recorded immediately.
func NewHandshake(resetEnabled bool) *Handshake {
	state := StateAwaitingFirstData
	if !resetEnabled {
		state = StateResetComplete
	}
	return &Handshake{state: state}
}

// State returns the current handshake state.
func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Complete reports whether the handshake has finished.
func (h *Handshake) Complete() bool {
	return h.State() == StateResetComplete
}

// OnFirstData handles the first byte chunk from the device. It returns true
// when a reset request should be sent. When waitForAck is false the state
// machine completes immediately after the reset is issued.
func (h *Handshake) OnFirstData(waitForAck bool) (sendReset bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateAwaitingFirstData {
		return false
	}
	if waitForAck {
		h.state = StateResetRequested
	} else {
		h.state = StateResetComplete
	}
	return true
}

// OnAcknowledgement handles a command response from the device. The
// transition to StateResetComplete fires at most once; a late or duplicate
// acknowledgement is a no-op and the state never regresses.
func (h *Handshake) OnAcknowledgement() (completed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateResetRequested {
		return false
	}
	h.state = StateResetComplete
	return true
}
