package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TimestepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lstm_timesteps_total",
		Help: "The total number of timesteps unrolled",
	})

	UnrollDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "lstm_unroll_duration_seconds",
		Help: "Duration of sequence unrolls",
	})

	BackwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "lstm_backward_duration_seconds",
		Help: "Duration of backward passes through an unrolled sequence",
	})

	ZonedOutUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoneout_units_total",
		Help: "Total number of state units that kept their previous value",
	}, []string{"state"})

	DroppedUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dropout_units_dropped_total",
		Help: "Total number of units zeroed by dropout",
	}, []string{"site"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of rejected configurations and shapes",
	}, []string{"operation", "error_type"})
)

func RecordUnroll(timesteps int, duration time.Duration) {
	TimestepsTotal.Add(float64(timesteps))
	UnrollDuration.Observe(duration.Seconds())
}

func RecordBackward(duration time.Duration) {
	BackwardDuration.Observe(duration.Seconds())
}

func RecordZoneout(state string, units int) {
	if units > 0 {
		ZonedOutUnits.WithLabelValues(state).Add(float64(units))
	}
}

func RecordDropout(site string, units int) {
	if units > 0 {
		DroppedUnits.WithLabelValues(site).Add(float64(units))
	}
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
