// Package broadcast serves the device output stream to external consumers
// over raw TCP and WebSocket. A failing client never blocks delivery to the
// others.
package broadcast

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/navrunner/errors"
	"github.com/c360/navrunner/metric"
)

const (
	// legacyDataTypeNMEA is the data type tag in the legacy WebSocket
	// framing header.
	legacyDataTypeNMEA uint32 = 4

	// legacyHeaderSize is uint32 type + float64 timestamp, little-endian.
	legacyHeaderSize = 12

	acceptPollInterval = 500 * time.Millisecond
	clientWriteTimeout = 10 * time.Second

	// wsQueueCapacity bounds the per-client outbound queue. A consumer that
	// falls further behind than this starts losing messages rather than
	// stalling the stream.
	wsQueueCapacity = 256
)

// IncomingDataFunc receives bytes sent by a connected client, for injection
// back to the device.
type IncomingDataFunc func(data []byte)

// Config holds the listener configuration. An empty address disables the
// corresponding transport.
type Config struct {
	TCPAddr string `yaml:"tcp_addr"`
	WSAddr  string `yaml:"ws_addr"`
	WSPath  string `yaml:"ws_path"`

	// LegacyNMEA prefixes every WebSocket message with the legacy
	// {type, timestamp} header and strips surrounding whitespace from the
	// payload.
	LegacyNMEA bool `yaml:"legacy_nmea"`
}

// Validate checks that at least one transport is enabled.
func (c *Config) Validate() error {
	if c.TCPAddr == "" && c.WSAddr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Broadcast", "Validate",
			"at least one of tcp_addr and ws_addr is required")
	}
	return nil
}

// DefaultConfig returns the standard listener configuration.
func DefaultConfig() Config {
	return Config{
		TCPAddr: ":30201",
		WSAddr:  ":30202",
		WSPath:  "/",
	}
}

// Metrics holds Prometheus metrics for the broadcast server.
type Metrics struct {
	clientsConnected *prometheus.GaugeVec
	messagesSent     prometheus.Counter
	bytesSent        prometheus.Counter
	sendErrors       *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "clients_connected",
			Help:      "Currently connected clients by transport",
		}, []string{"transport"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "messages_sent_total",
			Help:      "Messages fanned out to clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "bytes_sent_total",
			Help:      "Bytes fanned out to clients",
		}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broadcast",
			Name:      "send_errors_total",
			Help:      "Client send failures by transport",
		}, []string{"transport"}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.clientsConnected,
		m.messagesSent,
		m.bytesSent,
		m.sendErrors,
	)

	return m
}

// wsClient is one WebSocket consumer. The queue is drained by a dedicated
// writer goroutine; a nil item is the close sentinel.
type wsClient struct {
	conn      *websocket.Conn
	queue     chan []byte
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Server fans the device output stream out to TCP and WebSocket clients.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *Metrics
	onIncoming IncomingDataFunc

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	tcpListener net.Listener
	tcpMu       sync.Mutex
	tcpClients  map[string]net.Conn

	httpServer *http.Server
	wsListener net.Listener
	upgrader   websocket.Upgrader
	wsMu       sync.Mutex
	wsClients  map[*wsClient]struct{}

	messagesSent atomic.Uint64
	bytesSent    atomic.Uint64
}

// NewServer creates a broadcast server. onIncoming may be nil when client
// injection is not wanted; the metrics registry may be nil.
func NewServer(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry, onIncoming IncomingDataFunc) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/"
	}

	return &Server{
		cfg:        cfg,
		logger:     logger.With("component", "broadcast"),
		metrics:    newMetrics(registry),
		onIncoming: onIncoming,
		tcpClients: make(map[string]net.Conn),
		wsClients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}, nil
}

// Start opens the configured listeners and begins accepting clients.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "Broadcast", "Start", "start broadcast server")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Broadcast", "Start", "check context")
	}

	s.shutdown = make(chan struct{})

	if s.cfg.TCPAddr != "" {
		listener, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return errors.WrapFatal(err, "Broadcast", "Start", "open TCP listener")
		}
		s.tcpListener = listener
		s.logger.Info("listening for TCP output connections", "addr", listener.Addr().String())

		s.wg.Add(1)
		go s.acceptTCP(listener)
	}

	if s.cfg.WSAddr != "" {
		listener, err := net.Listen("tcp", s.cfg.WSAddr)
		if err != nil {
			if s.tcpListener != nil {
				_ = s.tcpListener.Close()
				s.tcpListener = nil
			}
			close(s.shutdown)
			return errors.WrapFatal(err, "Broadcast", "Start", "open WebSocket listener")
		}
		s.wsListener = listener

		mux := http.NewServeMux()
		mux.HandleFunc(s.cfg.WSPath, s.handleWebSocket)
		s.httpServer = &http.Server{Handler: mux}
		s.logger.Info("listening for WebSocket output connections", "addr", listener.Addr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("WebSocket server failed", "error", err)
			}
		}()
	}

	s.running = true
	return nil
}

// TCPAddr returns the bound TCP listener address, or nil when disabled.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// WSAddr returns the bound WebSocket listener address, or nil when disabled.
func (s *Server) WSAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// Send fans data out to every connected client. A slow or broken client is
// pruned without affecting delivery to the rest; Send never blocks on a
// client.
func (s *Server) Send(data []byte) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running || len(data) == 0 {
		return
	}

	s.sendWS(data)
	s.sendTCP(data)

	s.messagesSent.Add(1)
	s.bytesSent.Add(uint64(len(data)))
	if s.metrics != nil {
		s.metrics.messagesSent.Inc()
		s.metrics.bytesSent.Add(float64(len(data)))
	}
}

// MessagesSent reports the number of fan-out operations performed.
func (s *Server) MessagesSent() uint64 { return s.messagesSent.Load() }

// BytesSent reports the number of payload bytes fanned out.
func (s *Server) BytesSent() uint64 { return s.bytesSent.Load() }

func (s *Server) sendWS(data []byte) {
	s.wsMu.Lock()
	clients := make([]*wsClient, 0, len(s.wsClients))
	for client := range s.wsClients {
		clients = append(clients, client)
	}
	s.wsMu.Unlock()

	if len(clients) == 0 {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	for _, client := range clients {
		select {
		case client.queue <- buf:
		default:
			// Queue full: drop for this client only.
			if s.metrics != nil {
				s.metrics.sendErrors.WithLabelValues("websocket").Inc()
			}
		}
	}
}

func (s *Server) sendTCP(data []byte) {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	if len(s.tcpClients) == 0 {
		return
	}

	var closed []string
	for addr, conn := range s.tcpClients {
		_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
		if _, err := conn.Write(data); err != nil {
			s.logger.Debug("TCP client closed", "addr", addr, "error", err)
			if s.metrics != nil {
				s.metrics.sendErrors.WithLabelValues("tcp").Inc()
			}
			closed = append(closed, addr)
		}
	}

	for _, addr := range closed {
		if conn, ok := s.tcpClients[addr]; ok {
			_ = conn.Close()
			delete(s.tcpClients, addr)
		}
	}
	if s.metrics != nil && len(closed) > 0 {
		s.metrics.clientsConnected.WithLabelValues("tcp").Set(float64(len(s.tcpClients)))
	}
}

// Stop closes the listeners, disconnects all clients, and waits for the
// accept and writer goroutines to exit.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	s.mu.Unlock()

	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
	}
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	s.tcpMu.Lock()
	for addr, conn := range s.tcpClients {
		_ = conn.Close()
		delete(s.tcpClients, addr)
	}
	s.tcpMu.Unlock()

	s.wsMu.Lock()
	for client := range s.wsClients {
		select {
		case client.queue <- nil:
		default:
			client.close()
		}
	}
	s.wsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Broadcast", "Stop", "wait for goroutine exit")
	}
}

func (s *Server) acceptTCP(listener net.Listener) {
	defer s.wg.Done()

	for {
		if deadliner, ok := listener.(*net.TCPListener); ok {
			_ = deadliner.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.logger.Debug("TCP listener closed")
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.logger.Error("unexpected TCP accept error", "error", err)
			return
		}

		addr := conn.RemoteAddr().String()
		s.logger.Debug("new TCP output connection", "addr", addr)

		s.tcpMu.Lock()
		s.tcpClients[addr] = conn
		count := len(s.tcpClients)
		s.tcpMu.Unlock()

		if s.metrics != nil {
			s.metrics.clientsConnected.WithLabelValues("tcp").Set(float64(count))
		}

		if s.onIncoming != nil {
			s.wg.Add(1)
			go s.readTCPClient(addr, conn)
		}
	}
}

// readTCPClient relays bytes a TCP client sends back toward the device.
func (s *Server) readTCPClient(addr string, conn net.Conn) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(acceptPollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.onIncoming(data)
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-s.shutdown:
					return
				default:
					continue
				}
			}
			s.removeTCPClient(addr)
			return
		}
	}
}

func (s *Server) removeTCPClient(addr string) {
	s.tcpMu.Lock()
	if conn, ok := s.tcpClients[addr]; ok {
		_ = conn.Close()
		delete(s.tcpClients, addr)
	}
	count := len(s.tcpClients)
	s.tcpMu.Unlock()

	if s.metrics != nil {
		s.metrics.clientsConnected.WithLabelValues("tcp").Set(float64(count))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.metrics != nil {
			s.metrics.sendErrors.WithLabelValues("websocket_upgrade").Inc()
		}
		return
	}

	client := &wsClient{
		conn:  conn,
		queue: make(chan []byte, wsQueueCapacity),
	}

	s.wsMu.Lock()
	s.wsClients[client] = struct{}{}
	count := len(s.wsClients)
	s.wsMu.Unlock()

	s.logger.Debug("new WebSocket output connection", "addr", conn.RemoteAddr().String())
	if s.metrics != nil {
		s.metrics.clientsConnected.WithLabelValues("websocket").Set(float64(count))
	}

	s.wg.Add(2)
	go s.writeWSClient(client)
	go s.readWSClient(client)
}

// writeWSClient drains one client's queue. A nil item or a write failure
// terminates the connection.
func (s *Server) writeWSClient(client *wsClient) {
	defer s.wg.Done()
	defer s.removeWSClient(client)

	for {
		select {
		case <-s.shutdown:
			return
		case data := <-client.queue:
			if data == nil {
				return
			}

			if s.cfg.LegacyNMEA {
				data = prependLegacyHeader(bytes.TrimSpace(data), time.Now())
			}

			_ = client.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := client.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				if s.metrics != nil {
					s.metrics.sendErrors.WithLabelValues("websocket").Inc()
				}
				return
			}
		}
	}
}

// readWSClient consumes inbound messages, relaying them toward the device
// when injection is enabled. Read errors end the connection.
func (s *Server) readWSClient(client *wsClient) {
	defer s.wg.Done()
	defer s.removeWSClient(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.onIncoming != nil && len(data) > 0 {
			s.onIncoming(data)
		}
	}
}

func (s *Server) removeWSClient(client *wsClient) {
	client.close()

	s.wsMu.Lock()
	_, present := s.wsClients[client]
	delete(s.wsClients, client)
	count := len(s.wsClients)
	s.wsMu.Unlock()

	if present {
		s.logger.Debug("WebSocket client disconnected", "addr", client.conn.RemoteAddr().String())
		if s.metrics != nil {
			s.metrics.clientsConnected.WithLabelValues("websocket").Set(float64(count))
		}
	}
}

// prependLegacyHeader frames data with the legacy WebSocket header: a
// little-endian uint32 data type followed by a float64 Unix timestamp.
func prependLegacyHeader(data []byte, t time.Time) []byte {
	framed := make([]byte, legacyHeaderSize+len(data))
	binary.LittleEndian.PutUint32(framed[0:4], legacyDataTypeNMEA)
	binary.LittleEndian.PutUint64(framed[4:12],
		math.Float64bits(float64(t.UnixNano())/1e9))
	copy(framed[legacyHeaderSize:], data)
	return framed
}
