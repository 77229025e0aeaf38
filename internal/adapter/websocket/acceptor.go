// Package websocket turns HTTP upgrade requests into relay connections and
// runs their receive loops.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/platform/correlation"
	apperrors "github.com/pscheid92/wsrelay/internal/platform/errors"
	"github.com/pscheid92/wsrelay/internal/relay"
)

// Handshake results used as label values on WebSocketMetrics.Handshakes.
const (
	handshakeAccepted     = "accepted"
	handshakeDraining     = "draining"
	handshakeOrigin       = "origin_rejected"
	handshakeUpgradeError = "upgrade_failed"
)

const (
	reasonShuttingDown = "server shutting down"
	reasonPeerGone     = "connection closed"
)

// AcceptorConfig configures the upgrade endpoint and the connections it creates.
type AcceptorConfig struct {
	Connection     relay.ConnectionOptions
	Limits         LimitsConfig
	MaxMessageSize int64
	AllowedOrigins []string
	IsDevelopment  bool
}

// Acceptor performs the WebSocket handshake, registers the resulting
// connection and reads its frames until the peer or the server goes away.
type Acceptor struct {
	registry    *relay.Registry
	broadcaster *relay.Broadcaster
	limits      *ConnectionLimits
	checkOrigin func(r *http.Request) bool
	upgrader    websocket.Upgrader
	clock       clockwork.Clock
	cfg         AcceptorConfig

	relayMetrics *metrics.RelayMetrics
	wsMetrics    *metrics.WebSocketMetrics

	draining atomic.Bool
}

func NewAcceptor(
	cfg AcceptorConfig,
	registry *relay.Registry,
	broadcaster *relay.Broadcaster,
	clock clockwork.Clock,
	relayMetrics *metrics.RelayMetrics,
	wsMetrics *metrics.WebSocketMetrics,
) *Acceptor {
	return &Acceptor{
		registry:    registry,
		broadcaster: broadcaster,
		limits:      NewConnectionLimits(cfg.Limits, clock),
		checkOrigin: NewCheckOrigin(cfg.AllowedOrigins, cfg.IsDevelopment),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is checked before the upgrade so that the rejection carries a JSON body.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clock:        clock,
		cfg:          cfg,
		relayMetrics: relayMetrics,
		wsMetrics:    wsMetrics,
	}
}

// Draining reports whether Shutdown was called.
func (a *Acceptor) Draining() bool { return a.draining.Load() }

// Shutdown makes the acceptor refuse new handshakes with 503. Connections
// already upgraded are left to the coordinator.
func (a *Acceptor) Shutdown(context.Context) error {
	if a.draining.CompareAndSwap(false, true) {
		slog.Info("WebSocket acceptor stopped accepting connections")
	}
	return nil
}

// Handle is the echo handler mounted on the upgrade path. It blocks for the
// lifetime of the connection.
func (a *Acceptor) Handle(c echo.Context) error {
	r := c.Request()

	if a.Draining() {
		a.wsMetrics.Handshakes.WithLabelValues(handshakeDraining).Inc()
		return apperrors.UnavailableError(reasonShuttingDown, domain.ErrShuttingDown)
	}

	if !a.checkOrigin(r) {
		a.wsMetrics.Handshakes.WithLabelValues(handshakeOrigin).Inc()
		return apperrors.ForbiddenError("origin not allowed").WithField("origin", r.Header.Get("Origin"))
	}

	ip := c.RealIP()
	if ok, reason := a.limits.Acquire(ip); !ok {
		a.wsMetrics.Handshakes.WithLabelValues(string(reason)).Inc()
		if reason == LimitReasonGlobal {
			return apperrors.UnavailableError("connection limit reached", nil).WithField("reason", string(reason))
		}
		return apperrors.RateLimitedError("too many connections").WithField("reason", string(reason))
	}

	ws, err := a.upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		// The upgrader already answered with its own status.
		a.limits.Release(ip)
		a.wsMetrics.Handshakes.WithLabelValues(handshakeUpgradeError).Inc()
		slog.DebugContext(r.Context(), "WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", errors.Join(domain.ErrHandshake, err))
		return nil
	}
	defer a.limits.Release(ip)

	conn := relay.NewConnection(ws, r.RemoteAddr, a.cfg.Connection, a.clock, a.relayMetrics)
	ctx := correlation.WithConnID(r.Context(), conn.ID().String())

	conn.Start()
	if err := a.registry.Add(conn); err != nil {
		slog.InfoContext(ctx, "Rejecting connection accepted during shutdown", "remote_addr", r.RemoteAddr)
		conn.Close(reasonShuttingDown)
		return nil
	}

	a.wsMetrics.Handshakes.WithLabelValues(handshakeAccepted).Inc()
	a.wsMetrics.ActiveConnections.Inc()
	slog.InfoContext(ctx, "Client connected", "remote_addr", r.RemoteAddr, "connections", a.registry.Len())

	start := a.clock.Now()
	a.receive(ctx, conn, ws)

	conn.Close(reasonPeerGone)
	a.registry.Remove(conn.ID())
	a.wsMetrics.ActiveConnections.Dec()
	a.wsMetrics.ConnectionDuration.Observe(a.clock.Since(start).Seconds())
	slog.InfoContext(ctx, "Client disconnected", "duration", a.clock.Since(start), "connections", a.registry.Len())

	return nil
}

// receive reads frames until the transport fails or the peer closes.
func (a *Acceptor) receive(ctx context.Context, conn *relay.Connection, ws *websocket.Conn) {
	readTimeout := a.readTimeout()
	extend := func() { _ = ws.SetReadDeadline(a.clock.Now().Add(readTimeout)) }

	ws.SetReadLimit(a.cfg.MaxMessageSize)
	extend()
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		extend()
		return nil
	})

	for {
		mt, payload, err := ws.ReadMessage()
		if err != nil {
			logReadError(ctx, err)
			return
		}
		conn.Touch()
		extend()

		frame := domain.Frame{Type: frameType(mt), Payload: payload}
		a.wsMetrics.FramesReceived.WithLabelValues(frame.Type.String()).Inc()

		a.broadcaster.Deliver(ctx, domain.Message{
			Sender:     conn.ID(),
			Origin:     a.broadcaster.InstanceID(),
			Frame:      frame,
			ReceivedAt: a.clock.Now(),
		})
	}
}

// readTimeout leaves room for one missed ping before the read fails.
func (a *Acceptor) readTimeout() time.Duration {
	if a.cfg.Connection.PingInterval <= 0 {
		return time.Hour
	}
	return 2 * a.cfg.Connection.PingInterval
}

func logReadError(ctx context.Context, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		slog.DebugContext(ctx, "Client closed connection", "error", err)
	case errors.Is(err, websocket.ErrReadLimit):
		slog.WarnContext(ctx, "Client exceeded maximum message size", "error", err)
	case websocket.IsUnexpectedCloseError(err):
		slog.InfoContext(ctx, "Connection lost", "error", err)
	default:
		slog.DebugContext(ctx, "Receive loop ended", "error", err)
	}
}

func frameType(mt int) domain.FrameType {
	if mt == websocket.BinaryMessage {
		return domain.BinaryFrame
	}
	return domain.TextFrame
}
