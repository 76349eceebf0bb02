// Package metrics registers the daemon's Prometheus instruments.
// Exposing them over HTTP is an external collaborator's job (see the
// top-level spec, §1/§6); this package only owns the registry and the
// update call sites the scheduling core calls into directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rchdaemon/rchd/pkg/types"
)

var (
	// AdmissionVerdictsTotal counts admission gate outcomes by result
	// ("admit"/"reject") and, for rejects, the reason code.
	AdmissionVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_admission_verdicts_total",
			Help: "Total admission gate verdicts by result and reason",
		},
		[]string{"result", "reason"},
	)

	// CircuitTransitionsTotal counts circuit-breaker state transitions
	// per worker.
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_circuit_transitions_total",
			Help: "Total circuit breaker state transitions by worker, from-state and to-state",
		},
		[]string{"worker", "from", "to"},
	)

	// SelectionDuration times a full Select() round.
	SelectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rchd_selection_duration_seconds",
			Help:    "Time taken to run one worker selection round",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WorkerPressureState exposes the current disk-pressure state per
	// worker as a 0..3 ordinal (Healthy=0, Warning=1, Critical=2,
	// TelemetryGap=3) so the gauge value itself is meaningful without a
	// label join.
	WorkerPressureState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rchd_worker_pressure_state",
			Help: "Current disk-pressure state per worker (0=healthy 1=warning 2=critical 3=telemetry_gap)",
		},
		[]string{"worker"},
	)

	// HistorySize tracks the in-memory build history's current length.
	HistorySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rchd_history_size",
			Help: "Current number of build records held in memory",
		},
	)
)

func init() {
	prometheus.MustRegister(AdmissionVerdictsTotal)
	prometheus.MustRegister(CircuitTransitionsTotal)
	prometheus.MustRegister(SelectionDuration)
	prometheus.MustRegister(WorkerPressureState)
	prometheus.MustRegister(HistorySize)
}

// Timer times an in-flight operation and reports it to a histogram on
// completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// PressureStateOrdinal maps a pressure state to the gauge ordinal
// documented on WorkerPressureState.
func PressureStateOrdinal(state types.PressureState) float64 {
	switch state {
	case types.PressureHealthy:
		return 0
	case types.PressureWarning:
		return 1
	case types.PressureCritical:
		return 2
	default:
		return 3
	}
}
