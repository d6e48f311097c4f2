package httpserver

import (
	"errors"
	"fmt"
	"log/slog"

	wsadapter "github.com/cmcscbl/chef-td-relay/internal/adapter/websocket"
	"github.com/cmcscbl/chef-td-relay/internal/platform/correlation"
	apperrors "github.com/cmcscbl/chef-td-relay/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

// correlationMiddleware reuses the caller's X-Correlation-ID when present.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromRequest(c.Request())
		c.Response().Header().Set(correlation.Header, id)
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// connectionLimitMiddleware holds a connection slot for as long as the
// WebSocket handler runs, which is the lifetime of the connection.
func (s *Server) connectionLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		limits := s.deps.Limits
		if limits == nil {
			return next(c)
		}

		ip := c.RealIP()
		reason, ok := limits.Acquire(ip)
		if !ok {
			if s.deps.WebSocketMetrics != nil {
				s.deps.WebSocketMetrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
			}
			connections, ips := limits.Active()
			return rejection(reason).
				WithContext("ip", ip).
				WithContext("reason", string(reason)).
				WithContext("active_connections", connections).
				WithContext("active_ips", ips)
		}
		defer limits.Release(ip)

		return next(c)
	}
}

func rejection(reason wsadapter.RejectReason) *apperrors.Error {
	switch reason {
	case wsadapter.RejectGlobal:
		return apperrors.UnavailableError("server at connection capacity", nil)
	case wsadapter.RejectPerIP:
		return apperrors.RateLimitedError("too many connections from this address")
	default:
		return apperrors.RateLimitedError("too many connection attempts")
	}
}

// ErrorHandlingMiddleware renders handler errors as {"error":..,"type":..}.
// echo.HTTPErrors (404, 405, ...) are left to echo's own error handler.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if c.Response().Committed {
				logError(c, apperrors.AsStructuredError(err))
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			structuredErr := apperrors.AsStructuredError(err)
			logError(c, structuredErr)

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	switch err.Type {
	case apperrors.TypeValidation:
		slog.InfoContext(ctx, "Validation error", attrs...)
	case apperrors.TypeForbidden, apperrors.TypeRateLimited:
		slog.WarnContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeUnavailable:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.WarnContext(ctx, "Service unavailable", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}
