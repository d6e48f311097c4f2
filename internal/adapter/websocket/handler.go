package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/metrics"
	"github.com/cmcscbl/chef-td-relay/internal/domain"
	"github.com/cmcscbl/chef-td-relay/internal/platform/correlation"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	maxFrameSize   = 64 * 1024
	shutdownReason = "server shutting down"
)

var errDraining = errors.New("websocket handler is draining")

// Relay receives the lifecycle events and frames of every connection.
type Relay interface {
	OnConnect(ctx context.Context, peer domain.Peer)
	OnDisconnect(ctx context.Context, peer domain.Peer)
	OnMessage(ctx context.Context, peer domain.Peer, raw []byte)
}

// Handler upgrades HTTP requests to WebSocket connections and feeds them to the relay.
type Handler struct {
	relay    Relay
	upgrader websocket.Upgrader
	clock    clockwork.Clock
	metrics  *metrics.WebSocketMetrics

	mu       sync.Mutex
	peers    map[uuid.UUID]*peer
	draining bool
	wg       sync.WaitGroup
}

// NewHandler creates a Handler. wsMetrics may be nil.
func NewHandler(relay Relay, checkOrigin func(r *http.Request) bool, clock clockwork.Clock, wsMetrics *metrics.WebSocketMetrics) *Handler {
	return &Handler{
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clock:   clock,
		metrics: wsMetrics,
		peers:   make(map[uuid.UUID]*peer),
	}
}

// ServeHTTP blocks for the lifetime of the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.begin() {
		http.Error(w, shutdownReason, http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.DebugContext(r.Context(), "WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	p := newPeer(conn, h.clock, h.metrics)
	if !h.add(p) {
		p.stopGraceful(shutdownReason)
		return
	}
	defer h.remove(p)

	ctx := r.Context()
	if _, ok := correlation.ID(ctx); !ok {
		ctx = correlation.WithID(ctx, correlation.FromRequest(r))
	}
	ctx = correlation.With(ctx, slog.String("remote_addr", r.RemoteAddr))

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		defer h.metrics.ActiveConnections.Dec()
	}

	h.relay.OnConnect(ctx, p)
	defer h.relay.OnDisconnect(ctx, p)
	defer p.stop()

	h.readLoop(ctx, p)
}

func (h *Handler) readLoop(ctx context.Context, p *peer) {
	p.conn.SetReadLimit(maxFrameSize)
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if p.IsOpen() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "WebSocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.relay.OnMessage(ctx, p, data)
	}
}

// Shutdown closes every connection with a close frame and waits for their
// handlers to return. New upgrades are refused from the moment it is called.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	slog.InfoContext(ctx, "Closing WebSocket connections", "count", len(peers))
	for _, p := range peers {
		go p.stopGraceful(shutdownReason)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket shutdown: %w", ctx.Err())
	}
}

// Accepting is a readiness check: it fails once Shutdown has started.
func (h *Handler) Accepting(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return errDraining
	}
	return nil
}

// connectionCount returns the number of upgraded connections.
func (h *Handler) connectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Handler) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) add(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.peers[p.id] = p
	return true
}

func (h *Handler) remove(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p.id)
}
