// Package metrics exposes Prometheus instrumentation for the trading
// pipeline: cycle outcomes, rejections by stage, orders, fills, and
// the current gear, breaker, and risk posture.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gearbox_pipeline_cycles_total",
			Help: "Pipeline evaluation cycles by outcome (placed, rejected, skipped, error)",
		},
		[]string{"outcome"},
	)

	PipelineRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gearbox_pipeline_rejections_total",
			Help: "Signals rejected by pipeline stage (gear, constraints, sizing, guard, broker)",
		},
		[]string{"stage"},
	)

	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gearbox_orders_submitted_total",
			Help: "Orders submitted to the broker by symbol and side",
		},
		[]string{"symbol", "side"},
	)

	FillsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gearbox_fills_applied_total",
			Help: "Execution reports applied to local order state",
		},
	)

	DuplicateFills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gearbox_fills_duplicate_total",
			Help: "Execution reports dropped by the idempotency set",
		},
	)

	GearState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gearbox_gear_state",
			Help: "Current gear (1 for the active gear, 0 otherwise)",
		},
		[]string{"gear"},
	)

	GearShifts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gearbox_gear_shifts_total",
			Help: "Gear transitions by target gear",
		},
		[]string{"to"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gearbox_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CurrentRiskUnit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gearbox_current_risk_unit_dollars",
			Help: "Current per-trade risk unit in dollars after governor adjustments",
		},
	)

	DailyPnL = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gearbox_daily_pnl_r",
			Help: "Realized profit and loss for the current day in R multiples",
		},
	)

	TradesToday = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gearbox_trades_today",
			Help: "Trades taken in the current session day",
		},
	)
)

// SetGear marks one gear active and the rest inactive.
func SetGear(active string, all []string) {
	for _, g := range all {
		v := 0.0
		if g == active {
			v = 1.0
		}
		GearState.WithLabelValues(g).Set(v)
	}
}

// SetBreakerState maps a breaker state string onto the gauge encoding.
func SetBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1.0
	case "open":
		v = 2.0
	}
	BreakerState.WithLabelValues(name).Set(v)
}
