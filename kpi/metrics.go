package kpi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/warp/kpi-engine/formula"
)

var tracer = otel.Tracer("github.com/warp/kpi-engine/kpi")

// =============================================================================
// METRICS
// =============================================================================

var (
	// valueOperations counts service writes by operation and outcome.
	// Outcome is "ok" or the error code.
	valueOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpi_value_operations_total",
		Help: "Value operations by operation and outcome",
	}, []string{"operation", "outcome"})

	valueOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kpi_value_operation_duration_seconds",
		Help:    "Value operation duration, cascade included",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"operation"})

	formulaEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpi_formula_evaluations_total",
		Help: "Formula evaluations by dialect and outcome",
	}, []string{"dialect", "outcome"})

	// cascadeRecalculations counts dependents visited by a cascade.
	// Outcomes: "recalculated", "failed", "period_mismatch", "unkeyed".
	cascadeRecalculations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpi_cascade_recalculations_total",
		Help: "Cascade dependent visits by outcome",
	}, []string{"outcome"})

	// cascadeStops counts branches ended by a guard ("depth" or "cycle").
	cascadeStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpi_cascade_stops_total",
		Help: "Cascade branches ended by depth or cycle guard",
	}, []string{"reason"})
)

func observeEvaluation(dialect formula.Dialect, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(formula.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	formulaEvaluations.WithLabelValues(dialect.String(), outcome).Inc()
}

func observeOperation(op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(CodeOf(err))
		if outcome == "" {
			outcome = "internal"
		}
	}
	valueOperations.WithLabelValues(op, outcome).Inc()
	valueOperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
