package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/pscheid92/wsrelay/internal/platform/config"
)

// BindError reports that the listen address could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	websocketHandler echo.HandlerFunc
	metricsRegistry  *prometheus.Registry
	httpMetrics      *metrics.HTTPMetrics
	healthChecks     []HealthCheck

	listener net.Listener
}

func NewServer(
	cfg *config.Config,
	clock clockwork.Clock,
	websocketHandler echo.HandlerFunc,
	reg *prometheus.Registry,
	httpMetrics *metrics.HTTPMetrics,
	healthChecks []HealthCheck,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// Per-IP admission must see the peer address, not a client-supplied header.
	e.IPExtractor = echo.ExtractIPDirect()

	srv := &Server{
		echo:             e,
		config:           cfg,
		clock:            clock,
		websocketHandler: websocketHandler,
		metricsRegistry:  reg,
		httpMetrics:      httpMetrics,
		healthChecks:     healthChecks,
	}

	srv.registerRoutes()

	return srv
}

// Listen binds the configured address. It is separate from Serve so that a
// bind failure can be reported before anything else starts.
func (s *Server) Listen() error {
	addr := s.config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	s.listener = ln
	s.echo.Listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	slog.Info("Starting server", "addr", s.listener.Addr().String(), "ws_path", s.config.WSPath)
	if err := s.echo.Start(s.listener.Addr().String()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown closes the listener and waits for in-flight plain HTTP requests.
// Hijacked WebSocket connections are not tracked by the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.echo }
