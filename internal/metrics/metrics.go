// Package metrics provides Prometheus metrics for the workflow engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	AdvancementsTotal *prometheus.CounterVec
	GateFailuresTotal *prometheus.CounterVec
	ConflictsTotal    *prometheus.CounterVec
	ScoringDuration   *prometheus.HistogramVec
	CostUSDTotal      *prometheus.CounterVec
	BudgetAlertsTotal *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		AdvancementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_advancements_total",
				Help: "Total stage advancements by stage and gate verdict.",
			},
			[]string{"stage", "gate"},
		),
		GateFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_gate_failures_total",
				Help: "Total quality gate failures by stage.",
			},
			[]string{"stage"},
		),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_conflicts_total",
				Help: "Total collaboration conflicts by resolution strategy.",
			},
			[]string{"resolution"},
		),
		ScoringDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageflow_scoring_duration_seconds",
				Help:    "Quality scoring duration by stage.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		CostUSDTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_cost_usd_total",
				Help: "Accumulated generation/scoring cost in USD by model.",
			},
			[]string{"model"},
		),
		BudgetAlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_budget_alerts_total",
				Help: "Budget threshold alerts fired by threshold percent.",
			},
			[]string{"threshold"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.AdvancementsTotal)
	reg.MustRegister(m.GateFailuresTotal)
	reg.MustRegister(m.ConflictsTotal)
	reg.MustRegister(m.ScoringDuration)
	reg.MustRegister(m.CostUSDTotal)
	reg.MustRegister(m.BudgetAlertsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAdvancement increments the advancement counter.
func (m *Metrics) RecordAdvancement(stage, gate string) {
	m.AdvancementsTotal.WithLabelValues(stage, gate).Inc()
}

// RecordGateFailure increments the gate failure counter.
func (m *Metrics) RecordGateFailure(stage string) {
	m.GateFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordConflict increments the conflict counter for a resolution strategy.
func (m *Metrics) RecordConflict(resolution string) {
	m.ConflictsTotal.WithLabelValues(resolution).Inc()
}

// ObserveScoring records a scoring call duration.
func (m *Metrics) ObserveScoring(stage string, seconds float64) {
	m.ScoringDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordCost adds to the accumulated cost counter.
func (m *Metrics) RecordCost(model string, usd float64) {
	m.CostUSDTotal.WithLabelValues(model).Add(usd)
}

// RecordBudgetAlert increments the budget alert counter.
func (m *Metrics) RecordBudgetAlert(threshold string) {
	m.BudgetAlertsTotal.WithLabelValues(threshold).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
