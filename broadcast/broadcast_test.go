package broadcast

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cfg Config, onIncoming IncomingDataFunc) *Server {
	t.Helper()

	server, err := NewServer(cfg, nil, nil, onIncoming)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop(5 * time.Second) })
	return server
}

func dialWS(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/", server.WSAddr().String())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readAll(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestConfigValidateRequiresListener(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg.TCPAddr = ":0"
	assert.NoError(t, cfg.Validate())
}

func TestTCPFanOut(t *testing.T) {
	server := startTestServer(t, Config{TCPAddr: "127.0.0.1:0"}, nil)

	clientA, err := net.Dial("tcp", server.TCPAddr().String())
	require.NoError(t, err)
	defer clientA.Close()

	clientB, err := net.Dial("tcp", server.TCPAddr().String())
	require.NoError(t, err)
	defer clientB.Close()

	// Give the accept loop time to register both clients.
	require.Eventually(t, func() bool {
		server.tcpMu.Lock()
		defer server.tcpMu.Unlock()
		return len(server.tcpClients) == 2
	}, 5*time.Second, 10*time.Millisecond)

	payload := []byte("$GPGGA,test*00\r\n")
	server.Send(payload)

	assert.Equal(t, payload, readAll(t, clientA, len(payload)))
	assert.Equal(t, payload, readAll(t, clientB, len(payload)))
	assert.Equal(t, uint64(1), server.MessagesSent())
	assert.Equal(t, uint64(len(payload)), server.BytesSent())
}

func TestFailedClientDoesNotBlockOthers(t *testing.T) {
	server := startTestServer(t, Config{TCPAddr: "127.0.0.1:0"}, nil)

	broken, err := net.Dial("tcp", server.TCPAddr().String())
	require.NoError(t, err)

	healthy, err := net.Dial("tcp", server.TCPAddr().String())
	require.NoError(t, err)
	defer healthy.Close()

	require.Eventually(t, func() bool {
		server.tcpMu.Lock()
		defer server.tcpMu.Unlock()
		return len(server.tcpClients) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, broken.Close())

	// The dead socket may absorb a send or two before the failure surfaces.
	payload := []byte("still flowing\n")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		server.Send(payload)
		server.tcpMu.Lock()
		remaining := len(server.tcpClients)
		server.tcpMu.Unlock()
		if remaining == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.tcpMu.Lock()
	remaining := len(server.tcpClients)
	server.tcpMu.Unlock()
	assert.Equal(t, 1, remaining, "broken client should have been pruned")

	// The healthy client received every send.
	require.NoError(t, healthy.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(healthy, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestWebSocketFanOut(t *testing.T) {
	server := startTestServer(t, Config{WSAddr: "127.0.0.1:0"}, nil)
	conn := dialWS(t, server)

	payload := []byte{0x2E, 0x31, 0x01, 0x02}
	require.Eventually(t, func() bool {
		server.wsMu.Lock()
		defer server.wsMu.Unlock()
		return len(server.wsClients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	server.Send(payload)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, payload, data)
}

func TestWebSocketLegacyHeader(t *testing.T) {
	server := startTestServer(t, Config{WSAddr: "127.0.0.1:0", LegacyNMEA: true}, nil)
	conn := dialWS(t, server)

	require.Eventually(t, func() bool {
		server.wsMu.Lock()
		defer server.wsMu.Unlock()
		return len(server.wsClients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	before := time.Now()
	server.Send([]byte("$GPGGA,body*11\r\n"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(data), legacyHeaderSize)
	assert.Equal(t, legacyDataTypeNMEA, binary.LittleEndian.Uint32(data[0:4]))

	timestamp := math.Float64frombits(binary.LittleEndian.Uint64(data[4:12]))
	assert.InDelta(t, float64(before.UnixNano())/1e9, timestamp, 5)

	// Trailing \r\n is stripped in legacy mode.
	assert.Equal(t, "$GPGGA,body*11", string(data[legacyHeaderSize:]))
}

func TestIncomingDataRelay(t *testing.T) {
	var mu sync.Mutex
	var received []byte

	server := startTestServer(t, Config{WSAddr: "127.0.0.1:0"}, func(data []byte) {
		mu.Lock()
		received = append(received, data...)
		mu.Unlock()
	})
	conn := dialWS(t, server)

	injected := []byte{0xD3, 0x00, 0x01}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, injected))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == len(injected)
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, injected, received)
	mu.Unlock()
}

func TestStopDisconnectsClients(t *testing.T) {
	server, err := NewServer(Config{TCPAddr: "127.0.0.1:0"}, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))

	conn, err := net.Dial("tcp", server.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		server.tcpMu.Lock()
		defer server.tcpMu.Unlock()
		return len(server.tcpClients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Stop(5*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "connection should be closed after Stop")

	// Stop is idempotent and Send after Stop is a no-op.
	require.NoError(t, server.Stop(time.Second))
	server.Send([]byte("dropped"))
}

func TestDoubleStartRejected(t *testing.T) {
	server := startTestServer(t, Config{TCPAddr: "127.0.0.1:0"}, nil)
	assert.Error(t, server.Start(context.Background()))
}
