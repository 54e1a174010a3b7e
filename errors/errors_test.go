package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.class.String())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout sentinel", ErrConnectionTimeout, true},
		{"connection lost sentinel", ErrConnectionLost, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped transient", WrapTransient(errors.New("boom"), "CorrectionClient", "receive", "read"), true},
		{"wrapped fatal", WrapFatal(errors.New("boom"), "LogCapture", "Start", "create directory"), false},
		{"timeout message pattern", errors.New("read timeout on /dev/ttyUSB0"), true},
		{"unrelated error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrLogExists))
	assert.True(t, IsFatal(ErrDeviceRead))
	assert.True(t, IsFatal(WrapFatal(errors.New("boom"), "Orchestrator", "run", "read device")))
	assert.False(t, IsFatal(WrapTransient(errors.New("boom"), "BroadcastSink", "send", "client write")))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorFatal, Classify(ErrLogExists))
	assert.Equal(t, ErrorInvalid, Classify(ErrChecksumFailed))
	// Unknown errors default to transient so they can be retried.
	assert.Equal(t, ErrorTransient, Classify(errors.New("boom")))
}

func TestWrap_Format(t *testing.T) {
	inner := errors.New("permission denied")
	err := Wrap(inner, "LogCapture", "Start", "open data file")
	require.Error(t, err)
	assert.Equal(t, "LogCapture.Start: open data file failed: permission denied", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	inner := ErrManifestEmpty
	err := WrapInvalid(inner, "Manifest", "Load", "read file")

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Manifest", ce.Component)
	assert.ErrorIs(t, err, inner)

	// Wrapping again preserves the chain.
	outer := fmt.Errorf("session failed: %w", err)
	assert.ErrorIs(t, outer, inner)
	assert.True(t, IsInvalid(outer))
}
