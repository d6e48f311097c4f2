package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/metrics"
	wsadapter "github.com/cmcscbl/chef-td-relay/internal/adapter/websocket"
	"github.com/cmcscbl/chef-td-relay/internal/platform/config"
	"github.com/cmcscbl/chef-td-relay/internal/relay"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const websocketPath = "/ws"

type connectionLimiter interface {
	Acquire(ip string) (wsadapter.RejectReason, bool)
	Release(ip string)
	Active() (connections, ips int)
}

type membership interface {
	Stats() relay.Stats
}

// Dependencies are the collaborators the HTTP surface fronts. WebSocket is
// required; a nil Limits disables connection limiting, a nil Registry the
// metrics endpoint, a nil Membership the relay section of readiness.
type Dependencies struct {
	WebSocket        http.Handler
	Membership       membership
	Limits           connectionLimiter
	Registry         *prometheus.Registry
	WebSocketMetrics *metrics.WebSocketMetrics
	HealthChecks     []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock
	deps   Dependencies

	httpMetrics *metrics.HTTPMetrics
	startTime   time.Time
}

func NewServer(cfg *config.Config, deps Dependencies, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:      e,
		config:    cfg,
		clock:     clock,
		deps:      deps,
		startTime: clock.Now(),
	}
	if deps.Registry != nil {
		srv.httpMetrics = metrics.NewHTTPMetrics(deps.Registry)
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port, "websocket_path", websocketPath)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}
