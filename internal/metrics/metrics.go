// Package metrics exposes the orchestrator's Prometheus metrics, served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TicksTotal counts completed evaluation ticks.
var TicksTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "ticks_total",
		Help:      "Total number of completed evaluation ticks",
	},
)

// AdmissionsTotal counts audit outcomes. rule is empty unless the outcome is rejected.
var AdmissionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "admissions_total",
		Help:      "Trade intents by outcome and rejection rule",
	},
	[]string{"outcome", "rule"},
)

// EngineEvalSeconds is the wall time of one engine evaluation.
var EngineEvalSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "engine_eval_seconds",
		Help:      "Strategy engine evaluation time in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	},
	[]string{"strategy"},
)

// DailyDrawdownPct mirrors the governor's daily drawdown.
var DailyDrawdownPct = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "daily_drawdown_pct",
		Help:      "Realized drawdown of the current trading day in percent",
	},
)

// AllocationPctTotal is the sum of bot allocations of the account.
var AllocationPctTotal = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "allocation_pct_total",
		Help:      "Sum of bot allocation percentages",
	},
)

// BreakerTripped is 1 while the drawdown circuit breaker blocks trading.
var BreakerTripped = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "breaker_tripped",
		Help:      "1 while the daily drawdown circuit breaker is tripped",
	},
)

// ObserveAdmission records one audit outcome.
func ObserveAdmission(outcome, rule string) {
	AdmissionsTotal.WithLabelValues(outcome, rule).Inc()
}

// SetRisk updates the risk gauges.
func SetRisk(drawdownPct float64, tripped bool) {
	DailyDrawdownPct.Set(drawdownPct)
	if tripped {
		BreakerTripped.Set(1)
	} else {
		BreakerTripped.Set(0)
	}
}
