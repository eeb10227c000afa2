// Package transport owns the single TCP connection to the acquisition
// bench (spec §4.3). It serialises byte delivery from the socket to a
// caller-supplied callback, retries unexpected disconnects on a fixed
// backoff, and reports a status enum plus a running statistics
// snapshot, in the idiom of the pack's reconnecting control-channel
// agents adapted to the teacher's status-plus-stats client shape.
package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nhr-fau/benchmonitor/internal/benchlog"
)

// Status is the connection lifecycle state exposed to callers.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

const reconnectDelay = 5 * time.Second

// Stats is a point-in-time snapshot of transport activity.
type Stats struct {
	TotalBytes    int64
	TotalPackets  int64
	BytesPerSec   float64
	LastPacketAt  time.Time
	Status        Status
}

// Resetter is implemented by the decoder: Reset must be called before
// every connect so stale frame bytes from a previous session never
// leak into the next one.
type Resetter interface {
	Reset()
}

// BootstrapPacket is sent exactly once per successful connection,
// immediately after the socket opens. Its failure is logged but does
// not tear the connection down (spec §4.3).
var BootstrapPacket = []byte{
	0xCC, 0xBE, 0x00, 0x01, // opaque command-dictionary descriptor
}

// Client manages a single connection to (host, port).
type Client struct {
	host           string
	port           int
	connectTimeout time.Duration
	decoder        Resetter
	onBytes        func([]byte)

	mu           sync.Mutex
	conn         net.Conn
	status       Status
	suppressAuto bool // one-shot guard: true while a caller-initiated disconnect is in flight
	cancel       context.CancelFunc

	totalBytes   atomic.Int64
	totalPackets atomic.Int64
	lastPacketAt atomic.Value // time.Time

	windowStart atomic.Value // time.Time
	windowBytes atomic.Int64
	bytesPerSec atomic.Value // float64
}

// New returns a Client targeting (host, port). decoder.Reset is called
// on every connect attempt; onBytes is invoked, in order, for every
// chunk read off the wire.
func New(host string, port int, connectTimeout time.Duration, decoder Resetter, onBytes func([]byte)) *Client {
	c := &Client{
		host:           host,
		port:           port,
		connectTimeout: connectTimeout,
		decoder:        decoder,
		onBytes:        onBytes,
	}
	c.status = Disconnected
	c.lastPacketAt.Store(time.Time{})
	c.windowStart.Store(time.Time{})
	c.bytesPerSec.Store(float64(0))
	return c
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stats returns a snapshot of the running counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	st := c.status
	c.mu.Unlock()
	return Stats{
		TotalBytes:   c.totalBytes.Load(),
		TotalPackets: c.totalPackets.Load(),
		BytesPerSec:  c.bytesPerSec.Load().(float64),
		LastPacketAt: c.lastPacketAt.Load().(time.Time),
		Status:       st,
	}
}

// Connect resets the decoder, dials the remote, sends the bootstrap
// packet once, and starts the read loop. It returns once the initial
// dial succeeds or fails; subsequent reconnects happen in the
// background per the 5s backoff policy.
func (c *Client) Connect(ctx context.Context) error {
	c.decoder.Reset()

	c.mu.Lock()
	c.suppressAuto = false
	c.status = Connecting
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	conn, err := c.dial(runCtx)
	if err != nil {
		c.mu.Lock()
		c.status = Error
		c.mu.Unlock()
		go c.scheduleReconnect(runCtx)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.status = Connected
	c.mu.Unlock()

	c.sendBootstrap(conn)

	go c.readLoop(runCtx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.connectTimeout}
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	return dialer.DialContext(ctx, "tcp", addr)
}

func (c *Client) sendBootstrap(conn net.Conn) {
	if _, err := conn.Write(BootstrapPacket); err != nil {
		benchlog.Warnf("transport: bootstrap packet send failed: %v", err)
	}
}

// Disconnect closes the socket and suppresses the auto-reconnect that
// would otherwise follow the resulting read error.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.suppressAuto = true
	conn := c.conn
	c.conn = nil
	c.status = Disconnected
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Send writes b to the open connection, returning an error if there is
// none.
func (c *Client) Send(b []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	_, err := conn.Write(b)
	return err
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.recordBytes(n)
			c.onBytes(chunk)
		}
		if err != nil {
			c.mu.Lock()
			suppressed := c.suppressAuto
			c.conn = nil
			if !suppressed {
				c.status = Reconnecting
			}
			c.mu.Unlock()

			if !suppressed {
				benchlog.Warnf("transport: connection to %s:%d lost: %v", c.host, c.port, err)
				go c.scheduleReconnect(ctx)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) recordBytes(n int) {
	now := time.Now()
	c.totalBytes.Add(int64(n))
	c.totalPackets.Add(1)
	c.lastPacketAt.Store(now)

	start := c.windowStart.Load().(time.Time)
	if start.IsZero() {
		c.windowStart.Store(now)
		c.windowBytes.Store(int64(n))
		return
	}
	elapsed := now.Sub(start).Seconds()
	bytes := c.windowBytes.Add(int64(n))
	if elapsed >= 1 {
		c.bytesPerSec.Store(float64(bytes) / elapsed)
		c.windowStart.Store(now)
		c.windowBytes.Store(0)
	}
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(reconnectDelay):
	}

	c.mu.Lock()
	if c.suppressAuto {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		benchlog.Warnf("transport: reconnect to %s:%d failed: %v", c.host, c.port, err)
	}
}

