package metrics

import "github.com/prometheus/client_golang/prometheus"

// Message kinds for RelayMetrics.MessagesReceived.
const (
	KindIdentify     = "identify"
	KindCommand      = "command"
	KindUnrecognized = "unrecognized"
	KindMalformed    = "malformed"
	KindBadToken     = "bad_token"
)

// RelayMetrics holds Prometheus metrics for message handling and fan-out.
type RelayMetrics struct {
	MessagesReceived    *prometheus.CounterVec
	Identified          *prometheus.CounterVec
	Broadcasts          *prometheus.CounterVec
	BroadcastRecipients prometheus.Histogram
	SendFailures        prometheus.Counter
	Members             *prometheus.GaugeVec
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound frames, by kind.",
		}, []string{"kind"}),
		Identified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identified_total",
			Help:      "Total number of connections registered into a role set.",
		}, []string{"role"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of commands fanned out to producers, by command.",
		}, []string{"command"}),
		BroadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients",
			Help:      "Number of producers that accepted a fanned out command.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of frames that could not be queued for a peer.",
		}),
		Members: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Number of connections currently in each role set.",
		}, []string{"role"}),
	}

	reg.MustRegister(m.MessagesReceived, m.Identified, m.Broadcasts, m.BroadcastRecipients, m.SendFailures, m.Members)
	return m
}
