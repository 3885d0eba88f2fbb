package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	OutboxResultPublished    = "published"
	OutboxResultRetry        = "retry"
	OutboxResultDeadLettered = "dead_lettered"
)

// OutboxMetrics counts publish attempts made by the outbox publisher.
type OutboxMetrics struct {
	publish *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	publish := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_total",
		Help: "Outbox publish attempts by event type and result.",
	}, []string{"event_type", "result"})
	reg.MustRegister(publish)
	return &OutboxMetrics{publish: publish}
}

func (o *OutboxMetrics) Inc(eventType, result string) {
	if o == nil || o.publish == nil {
		return
	}
	o.publish.WithLabelValues(normalizeLabel(eventType), result).Inc()
}
