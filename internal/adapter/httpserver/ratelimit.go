package httpserver

import (
	"time"

	apperrors "github.com/cmcscbl/chef-td-relay/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// rateLimit throttles the informational routes per client IP. Upgrades go
// through connectionLimitMiddleware and probes are never throttled.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(s.config.HTTPRatePerSecond),
		Burst:     s.config.HTTPRateBurst,
		ExpiresIn: rateLimiterExpiry,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store:       store,
		DenyHandler: s.denyRateLimited,
	})
}

// denyRateLimited writes the 429 itself: echo hands the DenyHandler's return
// value to its own error handler, bypassing ErrorHandlingMiddleware.
func (s *Server) denyRateLimited(c echo.Context, ip string, _ error) error {
	appErr := apperrors.RateLimitedError("rate limit exceeded").WithContext("ip", ip)
	logError(c, appErr)
	if s.httpMetrics != nil {
		s.httpMetrics.RateLimited.WithLabelValues(c.Path()).Inc()
	}
	return c.JSON(appErr.HTTPStatus(), appErr.ToResponse())
}
