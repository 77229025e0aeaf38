package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/pscheid92/wsrelay/internal/domain"
)

const (
	writeDeadline = 5 * time.Second
	// closeGrace bounds the wait for the writer after a forced transport close.
	closeGrace = time.Second
)

// Transport is the write side of a WebSocket connection. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionOptions configures the outbound side of a Connection.
type ConnectionOptions struct {
	QueueCapacity int
	DrainTimeout  time.Duration
	PingInterval  time.Duration
	IdleTimeout   time.Duration // zero disables idle eviction
}

// Connection owns one accepted socket. A single writer goroutine drains the
// bounded outbound queue, so frames reach the client in the order they were queued.
type Connection struct {
	id         uuid.UUID
	remoteAddr string
	transport  Transport
	clock      clockwork.Clock
	metrics    *metrics.RelayMetrics
	opts       ConnectionOptions

	// stateMu orders Send against the Open -> Closing transition so that no
	// frame is queued once closing has started.
	stateMu sync.RWMutex
	state   atomic.Int32

	queue   chan domain.Frame
	closing chan struct{}
	stopped chan struct{}
	closed  chan struct{}

	closeReason string
	startOnce   sync.Once
	closeOnce   sync.Once
	releaseOnce sync.Once

	activityMu   sync.Mutex
	lastActivity time.Time
}

// NewConnection wraps transport in a Connection in state Connecting.
func NewConnection(transport Transport, remoteAddr string, opts ConnectionOptions, clock clockwork.Clock, m *metrics.RelayMetrics) *Connection {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 1
	}
	c := &Connection{
		id:           uuid.New(),
		remoteAddr:   remoteAddr,
		transport:    transport,
		clock:        clock,
		metrics:      m,
		opts:         opts,
		queue:        make(chan domain.Frame, opts.QueueCapacity),
		closing:      make(chan struct{}),
		stopped:      make(chan struct{}),
		closed:       make(chan struct{}),
		lastActivity: clock.Now(),
	}
	c.state.Store(int32(domain.StateConnecting))
	return c
}

func (c *Connection) ID() uuid.UUID { return c.id }

func (c *Connection) RemoteAddr() string { return c.remoteAddr }

func (c *Connection) State() domain.ConnState { return domain.ConnState(c.state.Load()) }

// Closed is closed once the connection reached state Closed.
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// Start moves the connection to Open and launches its writer.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		c.stateMu.Lock()
		if c.State() != domain.StateConnecting {
			c.stateMu.Unlock()
			return
		}
		c.state.Store(int32(domain.StateOpen))
		c.stateMu.Unlock()
		go c.run()
	})
}

// Send queues a frame without blocking. It returns domain.ErrClosed unless the
// connection is Open and domain.ErrBackpressure when the queue is full.
func (c *Connection) Send(frame domain.Frame) error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.State() != domain.StateOpen {
		return domain.ErrClosed
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// Pending returns the number of queued frames.
func (c *Connection) Pending() int { return len(c.queue) }

// Close drains queued frames within the drain timeout, sends a close frame
// with reason and releases the transport. Later calls are no-ops.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		wasOpen := c.State() == domain.StateOpen
		c.state.Store(int32(domain.StateClosing))
		c.closeReason = reason
		c.stateMu.Unlock()

		close(c.closing)
		if wasOpen {
			c.awaitWriter()
		}

		c.release()
		c.state.Store(int32(domain.StateClosed))
		close(c.closed)
	})
}

func (c *Connection) awaitWriter() {
	timer := c.clock.NewTimer(c.opts.DrainTimeout + closeGrace)
	defer timer.Stop()

	select {
	case <-c.stopped:
		return
	case <-timer.Chan():
	}

	slog.Warn("Drain timeout exceeded, forcing close", "conn_id", c.id.String(), "pending", len(c.queue))
	c.metrics.ForcedCloses.Inc()
	c.release()

	// A blocked write returns once the transport is closed.
	wait := c.clock.NewTimer(closeGrace)
	defer wait.Stop()
	select {
	case <-c.stopped:
	case <-wait.Chan():
		slog.Error("Connection writer did not exit after forced close", "conn_id", c.id.String())
	}
}

// release closes the transport exactly once.
func (c *Connection) release() {
	c.releaseOnce.Do(func() {
		_ = c.transport.Close()
	})
}

// Touch records client activity (an inbound frame or a pong).
func (c *Connection) Touch() {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	c.lastActivity = c.clock.Now()
}

func (c *Connection) LastActivity() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

func (c *Connection) run() {
	defer close(c.stopped)

	pingInterval := c.opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = time.Hour
	}
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			c.drain()
			return
		default:
		}

		select {
		case frame := <-c.queue:
			if err := c.write(frame, c.clock.Now().Add(writeDeadline)); err != nil {
				slog.Debug("Write failed, closing transport", "conn_id", c.id.String(), "error", err)
				c.release()
				return
			}
		case <-ticker.Chan():
			if c.idle() {
				slog.Info("Disconnecting idle client", "conn_id", c.id.String(), "idle_timeout", c.opts.IdleTimeout)
				c.metrics.IdleDisconnects.Inc()
				c.release()
				return
			}
			_ = c.transport.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
			if err := c.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.metrics.PingFailures.Inc()
				c.release()
				return
			}
		case <-c.closing:
			c.drain()
			return
		}
	}
}

// drain flushes whatever is queued before the deadline and then says goodbye.
func (c *Connection) drain() {
	deadline := c.clock.Now().Add(c.opts.DrainTimeout)
	// Send no longer queues once closing has begun, so the writer is the only reader left.
	for len(c.queue) > 0 {
		if err := c.write(<-c.queue, deadline); err != nil {
			return
		}
	}

	_ = c.transport.SetWriteDeadline(deadline)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason)
	_ = c.transport.WriteMessage(websocket.CloseMessage, msg)
}

func (c *Connection) write(frame domain.Frame, deadline time.Time) error {
	start := c.clock.Now()
	_ = c.transport.SetWriteDeadline(deadline)
	if err := c.transport.WriteMessage(messageType(frame.Type), frame.Payload); err != nil {
		return err
	}
	c.metrics.FrameSendDuration.Observe(c.clock.Since(start).Seconds())
	return nil
}

func (c *Connection) idle() bool {
	if c.opts.IdleTimeout <= 0 {
		return false
	}
	return c.clock.Since(c.LastActivity()) >= c.opts.IdleTimeout
}

func messageType(t domain.FrameType) int {
	if t == domain.BinaryFrame {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
