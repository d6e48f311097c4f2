package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cmcscbl/chef-td-relay/internal/platform/version"
	"github.com/cmcscbl/chef-td-relay/internal/relay"
	"github.com/labstack/echo/v4"
)

const readinessProbeTimeout = 5 * time.Second

// HealthCheck is a named readiness condition.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readinessReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Relay  *relay.Stats      `json:"relay,omitempty"`
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.clock.Since(s.startTime)
	if err := c.JSON(http.StatusOK, map[string]any{"status": "ok", "uptime": uptime.Seconds()}); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness runs every check and reports each outcome alongside the
// relay's current membership.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	report := readinessReport{Status: "ready", Checks: make(map[string]string, len(s.deps.HealthChecks))}
	for _, hc := range s.deps.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			report.Checks[hc.Name] = err.Error()
			report.Status = "unhealthy"
			continue
		}
		report.Checks[hc.Name] = "ok"
	}
	if s.deps.Membership != nil {
		stats := s.deps.Membership.Stats()
		report.Relay = &stats
	}

	status := http.StatusOK
	if report.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	if err := c.JSON(status, report); err != nil {
		return fmt.Errorf("failed to write readiness response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
