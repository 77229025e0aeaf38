package httpserver

import (
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
)

// Operational endpoints other than the health probes share one per-IP budget.
const (
	opsRatePerSecond = 5
	opsBurst         = 20
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
	}
	s.echo.Use(ErrorHandlingMiddleware())

	s.echo.GET(s.config.WSPath, s.websocketHandler)

	s.registerHealthRoutes()

	limited := newRateLimiter(opsRatePerSecond, opsBurst)
	s.echo.GET("/version", s.handleVersion, limited)
	if s.metricsRegistry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.metricsRegistry)), limited)
	}
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		// Upgrade requests log their own lifecycle, rejections go through logError.
		Skipper: func(c echo.Context) bool {
			return strings.EqualFold(c.Request().Header.Get("Upgrade"), "websocket")
		},
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
