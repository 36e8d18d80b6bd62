package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	outboxPublished *prometheus.CounterVec
	outboxLag       *prometheus.GaugeVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking outbox dispatch activity.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditcore",
				Subsystem: "outbox",
				Name:      "events_published_total",
				Help:      "Count of outbox events delivered to a subscriber, by event type.",
			}, []string{"event_type", "subscriber"}),
			outboxLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "creditcore",
				Subsystem: "outbox",
				Name:      "subscriber_lag",
				Help:      "Difference between the latest committed sequence and a subscriber's high-water mark.",
			}, []string{"subscriber"}),
		}
		prometheus.MustRegister(eventRegistry.outboxPublished, eventRegistry.outboxLag)
	})
	return eventRegistry
}

// RecordDelivery increments the delivery counter for an event type/subscriber pair.
func (m *eventMetrics) RecordDelivery(eventType, subscriber string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(normalizeLabel(eventType), normalizeLabel(subscriber)).Inc()
}

// RecordLag updates the subscriber lag gauge.
func (m *eventMetrics) RecordLag(subscriber string, lag int64) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.outboxLag.WithLabelValues(normalizeLabel(subscriber)).Set(float64(lag))
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
