// Package correction streams GNSS correction data from an NTRIP-style
// caster and reports the rover position back to it. The link reconnects
// forever; losing corrections degrades accuracy but never stops a session.
package correction

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/navrunner/errors"
	"github.com/c360/navrunner/metric"
	"github.com/c360/navrunner/pkg/retry"
	"github.com/c360/navrunner/protocol/nmea"
)

// State describes the caster link.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	// DefaultPort is the registered NTRIP caster port.
	DefaultPort = "2101"

	// DefaultReconnectDelay is the fixed wait between reconnect attempts.
	DefaultReconnectDelay = 5 * time.Second

	dialTimeout = 10 * time.Second

	// receiveTimeout is the per-read deadline. A timeout with no data is
	// normal between correction epochs, not an error.
	receiveTimeout = 500 * time.Millisecond

	receiveBufferSize = 1024
)

// DataFunc receives correction bytes as they arrive from the caster.
type DataFunc func(data []byte)

// Config identifies the caster and mountpoint.
type Config struct {
	// URL is the caster address, with or without a scheme
	// (for example "http://corrections.example.com:2101" or "10.0.0.5").
	URL        string `yaml:"url"`
	Mountpoint string `yaml:"mountpoint"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "CorrectionClient", "Validate", "url is required")
	}
	if c.Mountpoint == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "CorrectionClient", "Validate", "mountpoint is required")
	}
	return nil
}

// hostPort normalizes Config.URL to a dialable host:port.
func (c *Config) hostPort() (string, error) {
	raw := c.URL
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", errors.WrapInvalid(err, "CorrectionClient", "hostPort", "parse caster url")
	}
	host := parsed.Hostname()
	if host == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "CorrectionClient", "hostPort", "caster url has no host")
	}
	port := parsed.Port()
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(host, port), nil
}

// Metrics holds Prometheus metrics for the correction client.
type Metrics struct {
	connectsTotal prometheus.Counter
	bytesReceived prometheus.Counter
	sendErrors    prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "correction",
			Name:      "connects_total",
			Help:      "Successful caster connections including reconnects",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "correction",
			Name:      "bytes_received_total",
			Help:      "Correction bytes received from the caster",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "correction",
			Name:      "send_errors_total",
			Help:      "Failed writes toward the caster",
		}),
	}

	registry.PrometheusRegistry().MustRegister(m.connectsTotal, m.bytesReceived, m.sendErrors)
	return m
}

// Client maintains the caster link. Incoming correction bytes are delivered
// through the DataFunc; SendPosition and SendNMEA report the rover position
// upstream.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	onData  DataFunc

	mu      sync.Mutex
	state   State
	conn    net.Conn
	gga     string
	running bool

	cancel context.CancelFunc
	done   chan struct{}

	bytesReceived atomic.Uint64
}

// NewClient creates a correction client. onData may be nil; the metrics
// registry may be nil.
func NewClient(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry, onData DataFunc) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.hostPort(); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "correction", "mountpoint", cfg.Mountpoint),
		metrics: newMetrics(registry),
		onData:  onData,
		state:   StateDisconnected,
	}, nil
}

// State returns the current link state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the caster link is up.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// BytesReceived reports the total correction bytes received.
func (c *Client) BytesReceived() uint64 { return c.bytesReceived.Load() }

// Start launches the connect/receive loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "CorrectionClient", "Start", "start correction client")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(runCtx)
	return nil
}

// Stop cancels any in-flight receive and closes the caster connection.
func (c *Client) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	if c.conn != nil {
		// Best effort; the receive loop tolerates the resulting read error.
		_ = c.conn.Close()
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "CorrectionClient", "Stop", "wait for receive loop exit")
	}
}

// SendPosition reports the rover position as a GGA sentence. The most
// recent position is cached and replayed on reconnect. Returns false when
// the link is down.
func (c *Client) SendPosition(latDeg, lonDeg, heightM float64, t time.Time) bool {
	return c.SendNMEA(nmea.FormatGGA(latDeg, lonDeg, heightM, t.UTC()))
}

// SendNMEA forwards an NMEA sentence to the caster. GGA sentences update
// the reconnect cache even when the link is down.
func (c *Client) SendNMEA(sentence string) bool {
	if !strings.HasPrefix(sentence, "$") {
		sentence = "$" + sentence
	}
	if !strings.HasSuffix(sentence, "\r\n") {
		sentence += "\r\n"
	}

	c.mu.Lock()
	if nmea.IsGGA(sentence) {
		c.gga = sentence
	}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Debug("not connected, ignoring NMEA message")
		return false
	}

	if _, err := conn.Write([]byte(sentence)); err != nil {
		c.logger.Debug("NMEA upstream write failed", "error", err)
		if c.metrics != nil {
			c.metrics.sendErrors.Inc()
		}
		return false
	}
	return true
}

// run drives the connect/receive cycle until the context is cancelled.
// Every receive error tears the link down and reconnects after a fixed
// delay; the loop never gives up on its own.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		err := retry.Do(ctx, retry.Forever(c.cfg.ReconnectDelay), func() error {
			if err := c.connect(ctx); err != nil {
				c.logger.Error("error connecting to caster, retrying",
					"delay", c.cfg.ReconnectDelay.String(), "error", err)
				return err
			}
			return nil
		})
		if err != nil {
			// Context cancelled during connect.
			return
		}

		c.receive(ctx)
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// connect dials the caster, issues the stream request, and replays the
// cached GGA position if one exists.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	addr, err := c.cfg.hostPort()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(StateDisconnected)
		return errors.WrapTransient(err, "CorrectionClient", "connect", "dial caster")
	}

	if err := c.requestStream(conn, addr); err != nil {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	gga := c.gga
	c.mu.Unlock()

	c.logger.Info("connected to caster", "addr", addr)
	if c.metrics != nil {
		c.metrics.connectsTotal.Inc()
	}

	if gga != "" {
		c.logger.Debug("sending cached GGA message")
		c.SendNMEA(gga)
	}

	return nil
}

// requestStream performs the NTRIP handshake on a fresh connection.
func (c *Client) requestStream(conn net.Conn, addr string) error {
	var request strings.Builder
	fmt.Fprintf(&request, "GET /%s HTTP/1.1\r\n", c.cfg.Mountpoint)
	fmt.Fprintf(&request, "Host: %s\r\n", addr)
	request.WriteString("Ntrip-Version: Ntrip/2.0\r\n")
	request.WriteString("User-Agent: NTRIP navrunner\r\n")
	if c.cfg.Username != "" || c.cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString(
			[]byte(c.cfg.Username + ":" + c.cfg.Password))
		fmt.Fprintf(&request, "Authorization: Basic %s\r\n", credentials)
	}
	request.WriteString("\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write([]byte(request.String())); err != nil {
		return errors.WrapTransient(err, "CorrectionClient", "requestStream", "send stream request")
	}

	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return errors.WrapTransient(err, "CorrectionClient", "requestStream", "read caster response")
	}

	statusLine = strings.TrimSpace(statusLine)
	if !strings.HasPrefix(statusLine, "ICY 200") && !strings.Contains(statusLine, " 200 ") &&
		!strings.HasSuffix(statusLine, " 200") {
		return errors.Wrap(errors.ErrRejected, "CorrectionClient", "requestStream",
			fmt.Sprintf("caster rejected stream request: %q", statusLine))
	}

	// Drain any remaining response headers (NTRIP v2 sends an HTTP-style
	// header block; v1 casters send the bare status line).
	for {
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimSpace(line) == "" {
			break
		}
	}

	// Correction bytes may already be sitting in the reader's buffer.
	if buffered := reader.Buffered(); buffered > 0 {
		data := make([]byte, buffered)
		if _, err := reader.Read(data); err == nil {
			c.deliver(data)
		}
	}

	return nil
}

// receive reads correction data until an error other than a timeout occurs.
func (c *Client) receive(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	defer func() {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.state = StateDisconnected
		c.mu.Unlock()
	}()

	buf := make([]byte, receiveBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.deliver(data)
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("error receiving correction data, reconnecting", "error", err)
			return
		}
	}
}

func (c *Client) deliver(data []byte) {
	c.bytesReceived.Add(uint64(len(data)))
	if c.metrics != nil {
		c.metrics.bytesReceived.Add(float64(len(data)))
	}
	if c.onData != nil {
		c.onData(data)
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
