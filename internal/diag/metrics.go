package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink counts share events by name. Errors carrying a "kind" are
// counted per kind as well.
type MetricsSink struct {
	events *prometheus.CounterVec
	errors *prometheus.CounterVec
}

func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	factory := promauto.With(reg)
	return &MetricsSink{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasshare",
			Subsystem: "share",
			Name:      "events_total",
			Help:      "Share diagnostic events by name.",
		}, []string{"event"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasshare",
			Subsystem: "share",
			Name:      "errors_total",
			Help:      "Share failures by error kind.",
		}, []string{"kind"}),
	}
}

func (m *MetricsSink) Consume(e Event) {
	m.events.WithLabelValues(e.Name).Inc()
	if kind, ok := e.Meta["kind"].(string); ok && kind != "" {
		m.errors.WithLabelValues(kind).Inc()
	}
}
