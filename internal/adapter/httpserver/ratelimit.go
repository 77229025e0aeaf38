package httpserver

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/wsrelay/internal/platform/errors"
	"golang.org/x/time/rate"
)

// Idle per-IP buckets are forgotten after this long.
const opsLimiterExpiry = 5 * time.Minute

// newRateLimiter guards the scrape and version endpoints per client IP. The
// upgrade path has its own admission control in the websocket adapter.
func newRateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	refill := time.Duration(float64(time.Second) / perSecond).Round(time.Second)
	retryAfter := strconv.Itoa(int(max(refill, time.Second) / time.Second))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: opsLimiterExpiry,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return apperrors.RateLimitedError("rate limit exceeded").
				WithField("path", c.Path()).
				WithField("client_ip", identifier)
		},
	})
}
