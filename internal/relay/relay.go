package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/cmcscbl/chef-td-relay/internal/adapter/metrics"
	"github.com/cmcscbl/chef-td-relay/internal/domain"
	"github.com/google/uuid"
)

// Config holds the relay's behavioral settings.
type Config struct {
	// Token is the shared secret every inbound message must carry.
	Token string
	// RestrictBroadcast drops start/stop commands from connections that did
	// not identify as controllers. Off by default: any authenticated
	// connection may trigger fan-out.
	RestrictBroadcast bool
	// RoleAliases accepts "td" and "ui" as producer and controller.
	RoleAliases bool
}

// Stats is a point-in-time view of the relay's membership.
type Stats struct {
	Connections int `json:"connections"`
	Producers   int `json:"producers"`
	Controllers int `json:"controllers"`
}

type member struct {
	peer domain.Peer
	role domain.Role
}

// Relay tracks live connections, authenticates their messages, sorts them
// into producers and controllers, and fans start/stop commands out to every
// open producer.
type Relay struct {
	config  Config
	parser  domain.Parser
	metrics *metrics.RelayMetrics

	mu          sync.RWMutex
	members     map[uuid.UUID]*member
	producers   map[uuid.UUID]domain.Peer
	controllers map[uuid.UUID]domain.Peer
}

// New creates a relay. relayMetrics may be nil.
func New(cfg Config, relayMetrics *metrics.RelayMetrics) *Relay {
	return &Relay{
		config:      cfg,
		parser:      domain.Parser{RoleAliases: cfg.RoleAliases},
		metrics:     relayMetrics,
		members:     make(map[uuid.UUID]*member),
		producers:   make(map[uuid.UUID]domain.Peer),
		controllers: make(map[uuid.UUID]domain.Peer),
	}
}

// OnConnect registers peer as unidentified. It sends nothing.
func (r *Relay) OnConnect(ctx context.Context, peer domain.Peer) {
	r.mu.Lock()
	if _, exists := r.members[peer.ID()]; !exists {
		r.members[peer.ID()] = &member{peer: peer, role: domain.RoleUnidentified}
	}
	total := len(r.members)
	r.mu.Unlock()

	slog.InfoContext(ctx, "Client connected", "conn_id", peer.ID().String(), "connections", total)
}

// OnDisconnect removes peer from every set. Calling it more than once is a no-op.
func (r *Relay) OnDisconnect(ctx context.Context, peer domain.Peer) {
	id := peer.ID()

	r.mu.Lock()
	m, known := r.members[id]
	delete(r.members, id)
	delete(r.producers, id)
	delete(r.controllers, id)
	r.updateMemberGauges()
	r.mu.Unlock()

	if !known {
		return
	}
	slog.InfoContext(ctx, "Client disconnected", "conn_id", id.String(), "role", string(m.role))
}

// OnMessage handles one inbound frame from peer.
//
// Malformed frames are dropped without a reply. A token mismatch is answered
// with {"error":"bad token"} and nothing else happens. Everything else that is
// not an identify or a start/stop command is ignored.
func (r *Relay) OnMessage(ctx context.Context, peer domain.Peer, raw []byte) {
	env, err := r.parser.Parse(raw)
	if err != nil {
		r.countMessage(metrics.KindMalformed)
		slog.DebugContext(ctx, "Dropping malformed message", "conn_id", peer.ID().String(), "error", err)
		return
	}

	if !env.Authenticated(r.config.Token) {
		r.countMessage(metrics.KindBadToken)
		slog.WarnContext(ctx, "Rejected message with bad token", "conn_id", peer.ID().String())
		r.reply(ctx, peer, domain.ErrorReply{Error: domain.ReasonBadToken})
		return
	}

	switch msg := env.Body.(type) {
	case domain.Identify:
		r.countMessage(metrics.KindIdentify)
		r.identify(ctx, peer, msg.Role)
	case domain.Command:
		r.countMessage(metrics.KindCommand)
		r.broadcast(ctx, peer, msg, env.Raw)
	default:
		r.countMessage(metrics.KindUnrecognized)
	}
}

func (r *Relay) identify(ctx context.Context, peer domain.Peer, role domain.Role) {
	id := peer.ID()

	r.mu.Lock()
	m, known := r.members[id]
	registered := false
	if known && m.role == domain.RoleUnidentified {
		m.role = role
		if role == domain.RoleProducer {
			r.producers[id] = peer
		} else {
			r.controllers[id] = peer
		}
		registered = true
		r.updateMemberGauges()
	}
	r.mu.Unlock()

	switch {
	case registered:
		if r.metrics != nil {
			r.metrics.Identified.WithLabelValues(string(role)).Inc()
		}
		slog.InfoContext(ctx, "Client identified", "conn_id", id.String(), "role", string(role))
	case !known:
		slog.DebugContext(ctx, "Identify from unregistered connection", "conn_id", id.String())
	case m.role != role:
		slog.WarnContext(ctx, "Ignoring role change", "conn_id", id.String(), "role", string(m.role), "requested", string(role))
	}

	r.reply(ctx, peer, domain.Ack{Command: domain.CommandHello})
}

func (r *Relay) broadcast(ctx context.Context, sender domain.Peer, cmd domain.Command, raw []byte) {
	r.mu.RLock()
	if r.config.RestrictBroadcast && r.roleLocked(sender.ID()) != domain.RoleController {
		r.mu.RUnlock()
		slog.WarnContext(ctx, "Dropping command from non-controller", "conn_id", sender.ID().String(), "command", string(cmd.Name))
		return
	}
	targets := make([]domain.Peer, 0, len(r.producers))
	for _, p := range r.producers {
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, target := range targets {
		if !target.IsOpen() {
			continue
		}
		if err := target.Send(raw); err != nil {
			if errors.Is(err, domain.ErrPeerClosed) {
				continue
			}
			r.countSendFailure()
			slog.WarnContext(ctx, "Failed to send", "conn_id", target.ID().String(), "error", err)
			continue
		}
		delivered++
	}

	attrs := []any{
		"command", string(cmd.Name),
		"sender", sender.ID().String(),
		"producers", len(targets),
		"delivered", delivered,
	}
	if comedianID, ok := cmd.StringField("comedianId"); ok {
		attrs = append(attrs, "comedian_id", comedianID)
	}
	slog.InfoContext(ctx, "Broadcasting command", attrs...)

	if r.metrics != nil {
		r.metrics.Broadcasts.WithLabelValues(string(cmd.Name)).Inc()
		r.metrics.BroadcastRecipients.Observe(float64(delivered))
	}
}

func (r *Relay) reply(ctx context.Context, peer domain.Peer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal reply", "error", err)
		return
	}
	if err := peer.Send(data); err != nil {
		r.countSendFailure()
		slog.WarnContext(ctx, "Failed to send", "conn_id", peer.ID().String(), "error", err)
	}
}

// roleOf returns the lifecycle state of the connection with the given id.
func (r *Relay) roleOf(id uuid.UUID) (domain.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return "", false
	}
	return m.role, true
}

// Stats returns the current membership counts.
func (r *Relay) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.members),
		Producers:   len(r.producers),
		Controllers: len(r.controllers),
	}
}

// Must be called with mu held.
func (r *Relay) roleLocked(id uuid.UUID) domain.Role {
	if m, ok := r.members[id]; ok {
		return m.role
	}
	return domain.RoleUnidentified
}

// Must be called with mu held.
func (r *Relay) updateMemberGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.Members.WithLabelValues(string(domain.RoleProducer)).Set(float64(len(r.producers)))
	r.metrics.Members.WithLabelValues(string(domain.RoleController)).Set(float64(len(r.controllers)))
}

func (r *Relay) countMessage(kind string) {
	if r.metrics != nil {
		r.metrics.MessagesReceived.WithLabelValues(kind).Inc()
	}
}

func (r *Relay) countSendFailure() {
	if r.metrics != nil {
		r.metrics.SendFailures.Inc()
	}
}
