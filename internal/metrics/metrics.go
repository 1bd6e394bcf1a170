// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "debate_relay"

type Relay struct {
	Connections     prometheus.Gauge
	Topics          prometheus.Gauge
	Subscriptions   prometheus.Gauge
	Published       *prometheus.CounterVec
	Dropped         prometheus.Counter
	Kicked          prometheus.Counter
	RateLimited     prometheus.Counter
	PresenceChanges *prometheus.CounterVec
}

// NewRelay registers the relay collectors on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open relay websocket connections.",
		}),
		Topics: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topics",
			Help:      "Topics with at least one subscriber.",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Live topic subscriptions across all connections.",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Broadcast frames accepted, by event name.",
		}, []string{"event"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Frames dropped because a subscriber queue was full.",
		}),
		Kicked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kicked_total",
			Help:      "Connections closed by the backpressure policy.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Broadcasts rejected by the publish rate limiter.",
		}),
		PresenceChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_changes_total",
			Help:      "Presence joins and leaves.",
		}, []string{"kind"}),
	}
}
