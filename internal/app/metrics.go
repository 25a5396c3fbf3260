package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type hubMetrics struct {
	sessions     prometheus.Gauge
	subscribers  prometheus.Gauge
	publishes    *prometheus.CounterVec
	payloadBytes prometheus.Histogram
	pushDropped  prometheus.Counter
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	factory := promauto.With(reg)
	return &hubMetrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvasshare",
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Hosted sessions held by the relay, tombstones included.",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvasshare",
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Open push subscriptions.",
		}),
		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasshare",
			Subsystem: "relay",
			Name:      "publishes_total",
			Help:      "Payload publishes by result.",
		}, []string{"result"}),
		payloadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canvasshare",
			Subsystem: "relay",
			Name:      "payload_bytes",
			Help:      "Size of accepted payloads.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
		pushDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "canvasshare",
			Subsystem: "relay",
			Name:      "push_dropped_total",
			Help:      "Push frames dropped on full subscriber queues.",
		}),
	}
}
