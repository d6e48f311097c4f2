package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/metrics"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(ErrorHandlingMiddleware())

	limited := s.rateLimit()

	s.echo.GET("/", s.handleRoot, s.observe("/"), limited)
	s.echo.GET("/version", s.handleVersion, s.observe("/version"), limited)
	s.echo.GET("/health/live", s.handleLiveness, s.observe("/health/live"))
	s.echo.GET("/health/ready", s.handleReadiness, s.observe("/health/ready"))

	if s.deps.Registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.deps.Registry)))
	}

	s.echo.GET(websocketPath, echo.WrapHandler(s.deps.WebSocket), s.connectionLimitMiddleware)
}

func (s *Server) observe(route string) echo.MiddlewareFunc {
	if s.httpMetrics == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return s.httpMetrics.Observe(route)
}

func (s *Server) handleRoot(c echo.Context) error {
	if err := c.String(http.StatusOK, "Relay OK"); err != nil {
		return fmt.Errorf("failed to write root response: %w", err)
	}
	return nil
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics"
		},
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
