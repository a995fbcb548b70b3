// Package metrics registers the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliberationsTotal counts finished deliberations by outcome.
	DeliberationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_deliberations_total",
		Help: "Completed deliberations by terminal outcome.",
	}, []string{"outcome"})

	// StageDuration observes wall-clock seconds per stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "council_stage_duration_seconds",
		Help:    "Duration of each deliberation stage.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"stage"})

	// GatewayCallsTotal counts gateway calls by model and result.
	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_gateway_calls_total",
		Help: "Gateway completion calls by model and result.",
	}, []string{"model", "result"})

	// GatewayRetriesTotal counts retried attempts by model.
	GatewayRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_gateway_retries_total",
		Help: "Retried gateway attempts by model.",
	}, []string{"model"})

	// BreakerState exports each model's circuit state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "council_breaker_state",
		Help: "Circuit breaker state per model (0=closed, 1=half-open, 2=open).",
	}, []string{"model"})

	// EventsDroppedTotal counts bus deliveries dropped on full buffers.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "council_events_dropped_total",
		Help: "Events dropped due to slow subscribers.",
	})

	// AbstentionsTotal counts reviews discarded as abstentions.
	AbstentionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "council_abstentions_total",
		Help: "Stage-two reviews discarded as abstentions.",
	})
)

// BreakerStateValue maps a breaker state label to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
