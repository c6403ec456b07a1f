package relay

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons reported on cmpprelay_events_dropped_total.
const (
	dropRecipientOffline = "recipient_offline"
	dropNotJoined        = "not_joined"
	dropRateLimited      = "rate_limited"
	dropSlowConsumer     = "slow_consumer"
	dropInvalid          = "invalid"
)

// Metrics are the relay's prometheus collectors.
type Metrics struct {
	online      prometheus.Gauge
	connections prometheus.Gauge
	routed      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	broadcasts  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cmpprelay_online_identities",
			Help: "Identities currently present.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cmpprelay_connections",
			Help: "Open websocket connections, joined or not.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmpprelay_events_routed_total",
			Help: "Targeted events delivered to a recipient connection.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmpprelay_events_dropped_total",
			Help: "Inbound events that were not delivered.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmpprelay_broadcasts_total",
			Help: "online-users broadcasts sent.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.online, m.connections, m.routed, m.dropped, m.broadcasts)
	}
	return m
}
