// Package admission implements the per-(worker, project) admission
// gate: critical-pressure rejection, headroom thresholding, and
// hysteresis recovery after a critical-pressure rejection.
package admission

import (
	"sync"
	"time"

	"github.com/rchdaemon/rchd/pkg/metrics"
	"github.com/rchdaemon/rchd/pkg/types"
)

// Config holds the gate's tunables.
type Config struct {
	MinHeadroomScore    float64
	WarningPenalty      float64 // ~0.4
	TelemetryGapPenalty float64 // ~0.1, fail-open
	RecoverCount        int
	Cooldown            time.Duration
}

// DefaultConfig matches the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		MinHeadroomScore:    0.1,
		WarningPenalty:      0.4,
		TelemetryGapPenalty: 0.1,
		RecoverCount:        3,
		Cooldown:            15 * time.Second,
	}
}

type hysteresisState struct {
	inRecovery    bool
	healthyStreak int
	lastUpdate    time.Time
}

// Gate is the admission gate. It never raises: every evaluate() call
// yields a verdict, and a worker id never seen before yields a zero
// pressure penalty (fail-open).
type Gate struct {
	mu         sync.Mutex
	cfg        Config
	round      int
	hysteresis map[string]*hysteresisState
	penalties  map[string]float64
}

// New creates a Gate with the given config.
func New(cfg Config) *Gate {
	return &Gate{
		cfg:        cfg,
		hysteresis: make(map[string]*hysteresisState),
		penalties:  make(map[string]float64),
	}
}

// BeginRound increments the round index. Calling it is optional for
// correctness but documents the round boundary the same way the
// original scheduler does.
func (g *Gate) BeginRound() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.round++
	return g.round
}

// GetPressurePenalty returns the penalty last computed for workerID,
// stable until the next Evaluate call for that worker; 0 for a worker
// id never evaluated.
func (g *Gate) GetPressurePenalty(workerID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.penalties[workerID]
}

// Evaluate produces an AdmissionVerdict for one (worker, project)
// candidate. headroomScore must already have been computed by the
// estimator against the worker's effective free space.
func (g *Gate) Evaluate(workerID string, pressure types.PressureAssessment, headroomScore float64, now time.Time) types.AdmissionVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pressure.State == types.PressureCritical {
		g.enterRecovery(workerID)
		g.penalties[workerID] = 0
		return reject("admission_critical_pressure", "worker disk pressure is critical")
	}

	if headroomScore < g.cfg.MinHeadroomScore {
		return reject("admission_insufficient_headroom", "headroom score below minimum")
	}

	if state, inRecovery := g.hysteresis[workerID]; inRecovery && state.inRecovery {
		if pressure.State != types.PressureHealthy {
			state.healthyStreak = 0
			state.lastUpdate = now
			return reject("admission_hysteresis_recovery", "awaiting consecutive healthy rounds")
		}

		if state.lastUpdate.IsZero() || now.Sub(state.lastUpdate) >= g.cfg.Cooldown {
			state.healthyStreak++
			state.lastUpdate = now
		}

		if state.healthyStreak < g.cfg.RecoverCount {
			return reject("admission_hysteresis_recovery", "awaiting consecutive healthy rounds")
		}

		state.inRecovery = false
		state.healthyStreak = 0
	}

	penalty := pressurePenalty(pressure.State, g.cfg)
	g.penalties[workerID] = penalty

	metrics.AdmissionVerdictsTotal.WithLabelValues("admit", "").Inc()
	return types.AdmissionVerdict{
		Admitted:        true,
		HeadroomScore:   headroomScore,
		PressurePenalty: penalty,
	}
}

func (g *Gate) enterRecovery(workerID string) {
	state, ok := g.hysteresis[workerID]
	if !ok {
		state = &hysteresisState{}
		g.hysteresis[workerID] = state
	}
	state.inRecovery = true
	state.healthyStreak = 0
}

func pressurePenalty(state types.PressureState, cfg Config) float64 {
	switch state {
	case types.PressureWarning:
		return cfg.WarningPenalty
	case types.PressureTelemetryGap:
		return cfg.TelemetryGapPenalty
	default:
		return 0
	}
}

func reject(reasonCode, reason string) types.AdmissionVerdict {
	metrics.AdmissionVerdictsTotal.WithLabelValues("reject", reasonCode).Inc()
	return types.AdmissionVerdict{
		Admitted:   false,
		ReasonCode: reasonCode,
		Reason:     reason,
	}
}
