// Package metrics exposes the prometheus counters/gauges the core emits.
// Grounded on ChoSanghyuk-blackholedex and jordigilh-kubernaut's
// prometheus/client_golang usage.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the instruments the server's /metrics handler serves.
type Registry struct {
	OutboxQueueDepth   prometheus.Gauge
	OutboxRetries      prometheus.Counter
	ModeTransitions    *prometheus.CounterVec
	OrdersSubmitted    *prometheus.CounterVec
	RiskRejections     *prometheus.CounterVec
	ReconcileMismatches prometheus.Counter
	AlertsRaised       *prometheus.CounterVec
}

// NewRegistry constructs and registers every instrument against reg.
func NewRegistry(reg *prometheus.Registry) *Registry {
	r := &Registry{
		OutboxQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ordercore_outbox_queue_depth",
			Help: "Number of pending outbox events.",
		}),
		OutboxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordercore_outbox_retries_total",
			Help: "Total outbox event retry attempts.",
		}),
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_mode_transitions_total",
			Help: "System mode transitions by target mode.",
		}, []string{"mode"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_orders_submitted_total",
			Help: "Orders submitted by symbol and side.",
		}, []string{"symbol", "side"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_risk_rejections_total",
			Help: "Risk Gate rejections by reason.",
		}, []string{"reason"}),
		ReconcileMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ordercore_reconcile_mismatches_total",
			Help: "Total local/broker mismatches found during reconciliation.",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_alerts_raised_total",
			Help: "Alerts raised by severity.",
		}, []string{"severity"}),
	}

	reg.MustRegister(
		r.OutboxQueueDepth, r.OutboxRetries, r.ModeTransitions,
		r.OrdersSubmitted, r.RiskRejections, r.ReconcileMismatches, r.AlertsRaised,
	)
	return r
}
