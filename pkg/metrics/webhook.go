package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics counts terminal reconciliation outcomes.
type WebhookMetrics struct {
	reconciled *prometheus.CounterVec
	received   *prometheus.CounterVec
}

// NewWebhookMetrics registers the webhook counters on the provided registerer.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_reconcile_total",
		Help: "Completed checkout reconciliations by terminal state.",
	}, []string{"state"})
	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Verified gateway events by type and whether they were handled.",
	}, []string{"event_type", "handled"})
	reg.MustRegister(reconciled, received)
	return &WebhookMetrics{reconciled: reconciled, received: received}
}

// IncReconciled records a terminal reconciler state.
func (w *WebhookMetrics) IncReconciled(state string) {
	if w == nil || w.reconciled == nil {
		return
	}
	w.reconciled.WithLabelValues(normalizeLabel(state)).Inc()
}

// IncReceived records a verified event.
func (w *WebhookMetrics) IncReceived(eventType string, handled bool) {
	if w == nil || w.received == nil {
		return
	}
	label := "false"
	if handled {
		label = "true"
	}
	w.received.WithLabelValues(normalizeLabel(eventType), label).Inc()
}
