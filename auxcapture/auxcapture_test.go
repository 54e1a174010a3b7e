package auxcapture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/navrunner/device/devicetest"
)

func TestPollAppendsToChannelFile(t *testing.T) {
	source := devicetest.NewSource()
	outputPath := filepath.Join(t.TempDir(), "auxiliary.raw")

	loop := NewLoop(source, "aux0", outputPath, nil)
	require.NoError(t, loop.Start(context.Background()))

	source.QueueString("chunk-one ")
	source.QueueString("chunk-two")

	require.NoError(t, loop.Poll())
	require.NoError(t, loop.Poll())
	// Empty poll is not an error.
	require.NoError(t, loop.Poll())

	require.NoError(t, loop.Close())

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "chunk-one chunk-two", string(data))
	assert.Equal(t, uint64(len("chunk-one chunk-two")), loop.BytesReceived())
	assert.True(t, source.Closed())
}

func TestPollWithoutOutputFileRelaysOnly(t *testing.T) {
	source := devicetest.NewSource()

	loop := NewLoop(source, "aux0", "", nil)
	require.NoError(t, loop.Start(context.Background()))
	defer loop.Close()

	source.QueueString("data")
	require.NoError(t, loop.Poll())
	assert.Equal(t, uint64(4), loop.BytesReceived())
}

func TestWriteRelaysToDevice(t *testing.T) {
	source := devicetest.NewSource()

	loop := NewLoop(source, "aux0", "", nil)
	require.NoError(t, loop.Start(context.Background()))
	defer loop.Close()

	require.NoError(t, loop.Write([]byte{0xD3, 0x00, 0x01}))
	assert.Equal(t, []byte{0xD3, 0x00, 0x01}, source.Written())
}

func TestPollReturnsReadError(t *testing.T) {
	source := devicetest.NewSource()

	loop := NewLoop(source, "aux0", "", nil)
	require.NoError(t, loop.Start(context.Background()))

	require.NoError(t, source.Close())
	assert.Error(t, loop.Poll())
}

func TestLifecycleGuards(t *testing.T) {
	source := devicetest.NewSource()
	loop := NewLoop(source, "aux0", "", nil)

	assert.Error(t, loop.Poll(), "poll before start")
	assert.Error(t, loop.Write([]byte("x")), "write before start")
	assert.NoError(t, loop.Close(), "close before start is a no-op")

	require.NoError(t, loop.Start(context.Background()))
	assert.Error(t, loop.Start(context.Background()), "double start")
	require.NoError(t, loop.Close())

	// Timers exist but the loop is usable immediately after Start.
	loop2 := NewLoop(devicetest.NewSource(), "aux1", "", nil)
	require.NoError(t, loop2.Start(context.Background()))
	start := time.Now()
	require.NoError(t, loop2.Poll())
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, loop2.Close())
}
