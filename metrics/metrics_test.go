package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.OutboxQueueDepth.Set(4)
	r.OutboxRetries.Inc()
	r.ModeTransitions.WithLabelValues("degraded").Inc()
	r.OrdersSubmitted.WithLabelValues("BTC-USD", "BUY").Inc()
	r.RiskRejections.WithLabelValues("daily_loss_limit").Inc()
	r.ReconcileMismatches.Inc()
	r.AlertsRaised.WithLabelValues("SEV2").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"ordercore_outbox_queue_depth",
		"ordercore_outbox_retries_total",
		"ordercore_mode_transitions_total",
		"ordercore_orders_submitted_total",
		"ordercore_risk_rejections_total",
		"ordercore_reconcile_mismatches_total",
		"ordercore_alerts_raised_total",
	} {
		require.True(t, names[want], "expected metric %s to be registered", want)
	}
}

func TestOrdersSubmittedIsLabeledBySymbolAndSide(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	r.OrdersSubmitted.WithLabelValues("BTC-USD", "BUY").Inc()
	r.OrdersSubmitted.WithLabelValues("BTC-USD", "BUY").Inc()
	r.OrdersSubmitted.WithLabelValues("ETH-USD", "SELL").Inc()

	var m dto.Metric
	require.NoError(t, r.OrdersSubmitted.WithLabelValues("BTC-USD", "BUY").Write(&m))
	require.Equal(t, float64(2), m.GetCounter().GetValue())
}
