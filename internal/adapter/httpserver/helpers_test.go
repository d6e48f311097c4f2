package httpserver

import (
	"net/http"
	"testing"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/metrics"
	wsadapter "github.com/cmcscbl/chef-td-relay/internal/adapter/websocket"
	"github.com/cmcscbl/chef-td-relay/internal/platform/config"
	"github.com/cmcscbl/chef-td-relay/internal/platform/version"
	"github.com/cmcscbl/chef-td-relay/internal/relay"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

type testServerOptions struct {
	cfg          *config.Config
	websocket    http.Handler
	limits       connectionLimiter
	membership   membership
	healthChecks []HealthCheck
}

type testServerOption func(*testServerOptions)

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(o *testServerOptions) { o.healthChecks = checks }
}

func withWebSocket(h http.Handler) testServerOption {
	return func(o *testServerOptions) { o.websocket = h }
}

func withLimits(l connectionLimiter) testServerOption {
	return func(o *testServerOptions) { o.limits = l }
}

func withMembership(m membership) testServerOption {
	return func(o *testServerOptions) { o.membership = m }
}

type fixedStats relay.Stats

func (f fixedStats) Stats() relay.Stats { return relay.Stats(f) }

func withHTTPRate(perSecond float64, burst int) testServerOption {
	return func(o *testServerOptions) {
		o.cfg.HTTPRatePerSecond = perSecond
		o.cfg.HTTPRateBurst = burst
	}
}

type testServer struct {
	*Server
	clock     *clockwork.FakeClock
	registry  *prometheus.Registry
	wsMetrics *metrics.WebSocketMetrics
}

func newTestServer(t *testing.T, opts ...testServerOption) *testServer {
	t.Helper()

	o := &testServerOptions{
		cfg: &config.Config{
			Port:              "8080",
			HTTPRatePerSecond: 1000,
			HTTPRateBurst:     1000,
		},
		websocket: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	}
	for _, opt := range opts {
		opt(o)
	}

	clock := clockwork.NewFakeClock()
	reg := metrics.NewRegistry(version.Get())
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	srv := NewServer(o.cfg, Dependencies{
		WebSocket:        o.websocket,
		Membership:       o.membership,
		Limits:           o.limits,
		Registry:         reg,
		WebSocketMetrics: wsMetrics,
		HealthChecks:     o.healthChecks,
	}, clock)

	return &testServer{Server: srv, clock: clock, registry: reg, wsMetrics: wsMetrics}
}

func generousLimits(clock clockwork.Clock) *wsadapter.Limits {
	return wsadapter.NewLimits(wsadapter.LimitsConfig{
		MaxConnections: 100,
		MaxPerIP:       100,
		RatePerSecond:  1000,
		Burst:          1000,
	}, clock)
}
