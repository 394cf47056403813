// Package metrics exposes Prometheus counters for the engine's hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine counters. A nil *Metrics is valid and records
// nothing, so the engine can run without a registry wired in.
type Metrics struct {
	EventsPublished   prometheus.Counter
	DeliveredLive     prometheus.Counter
	CatchupReplayed   prometheus.Counter
	KeepAlivesSent    prometheus.Counter
	SubscriptionsReap prometheus.Counter
}

// New registers the engine counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Events appended to the log and broadcast",
		}),
		DeliveredLive: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_delivered_live_total",
			Help: "Envelopes delivered from the real-time broker path",
		}),
		CatchupReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_catchup_replayed_total",
			Help: "Envelopes replayed from the event log on reconnect",
		}),
		KeepAlivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_keepalives_sent_total",
			Help: "Keep-alive messages published to live channels",
		}),
		SubscriptionsReap: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_subscriptions_reaped_total",
			Help: "Live subscriptions removed by the stale sweep",
		}),
	}
	reg.MustRegister(
		m.EventsPublished,
		m.DeliveredLive,
		m.CatchupReplayed,
		m.KeepAlivesSent,
		m.SubscriptionsReap,
	)
	return m
}

// IncPublished increments the published counter. Safe on nil.
func (m *Metrics) IncPublished() {
	if m != nil {
		m.EventsPublished.Inc()
	}
}

// IncDeliveredLive increments the live-delivery counter. Safe on nil.
func (m *Metrics) IncDeliveredLive() {
	if m != nil {
		m.DeliveredLive.Inc()
	}
}

// IncCatchupReplayed increments the catch-up counter. Safe on nil.
func (m *Metrics) IncCatchupReplayed() {
	if m != nil {
		m.CatchupReplayed.Inc()
	}
}

// IncKeepAlives increments the keep-alive counter. Safe on nil.
func (m *Metrics) IncKeepAlives() {
	if m != nil {
		m.KeepAlivesSent.Inc()
	}
}

// AddReaped adds n to the reaped-subscription counter. Safe on nil.
func (m *Metrics) AddReaped(n int) {
	if m != nil {
		m.SubscriptionsReap.Add(float64(n))
	}
}
