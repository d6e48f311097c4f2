package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/metrics"
	wsadapter "github.com/cmcscbl/chef-td-relay/internal/adapter/websocket"
	"github.com/cmcscbl/chef-td-relay/internal/platform/version"
	"github.com/cmcscbl/chef-td-relay/internal/relay"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayThroughServer(t *testing.T) {
	clock := clockwork.NewRealClock()
	reg := metrics.NewRegistry(version.Get())
	r := relay.New(relay.Config{Token: "tok"}, metrics.NewRelayMetrics(reg))
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	wsHandler := wsadapter.NewHandler(r, wsadapter.NewCheckOrigin("https://relay.example.com", false), clock, wsMetrics)

	cfg := newTestServer(t).config
	srv := NewServer(cfg, Dependencies{
		WebSocket:        wsHandler,
		Membership:       r,
		Limits:           generousLimits(clock),
		Registry:         reg,
		WebSocketMetrics: wsMetrics,
		HealthChecks:     []HealthCheck{{Name: "websocket", Check: wsHandler.Accepting}},
	}, clock)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = wsHandler.Shutdown(ctx)
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	dial := func(header http.Header) *ws.Conn {
		conn, resp, err := ws.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		_ = resp.Body.Close()
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
	exchange := func(conn *ws.Conn, msg string) string {
		require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(msg)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}

	producer := dial(nil)
	assert.Equal(t, `{"command":"hello"}`, exchange(producer, `{"token":"tok","type":"identify","role":"producer"}`))

	controller := dial(http.Header{"Origin": {"https://relay.example.com"}})
	assert.Equal(t, `{"command":"hello"}`, exchange(controller, `{"token":"tok","type":"identify","role":"controller"}`))

	stop := `{"token":"tok","command":"stop","comedianId":7}`
	require.NoError(t, controller.WriteMessage(ws.TextMessage, []byte(stop)))
	require.NoError(t, producer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := producer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, stop, string(data))

	_, resp, err := ws.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.net"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	readyResp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer readyResp.Body.Close()
	assert.Equal(t, http.StatusOK, readyResp.StatusCode)
	var report readinessReport
	require.NoError(t, json.NewDecoder(readyResp.Body).Decode(&report))
	require.NotNil(t, report.Relay)
	assert.Equal(t, relay.Stats{Connections: 2, Producers: 1, Controllers: 1}, *report.Relay)
}
