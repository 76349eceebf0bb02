// Package selector orchestrates admission and scoring for one
// SelectionRequest: filter candidates, evaluate each through the
// admission gate, score survivors under the configured strategy, and
// acquire a slot on the winner.
package selector

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rchdaemon/rchd/pkg/admission"
	"github.com/rchdaemon/rchd/pkg/estimator"
	"github.com/rchdaemon/rchd/pkg/events"
	"github.com/rchdaemon/rchd/pkg/history"
	"github.com/rchdaemon/rchd/pkg/log"
	"github.com/rchdaemon/rchd/pkg/metrics"
	"github.com/rchdaemon/rchd/pkg/pool"
	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/rs/zerolog"
)

// ConvergenceProvider supplies the convergence_component of the scoring
// formula: how settled a worker's source tree is for the requested
// project. A daemon wires this to pkg/convergence; tests can use a
// fixed-value stub.
type ConvergenceProvider interface {
	ConvergenceComponent(workerID, projectID string) float64
}

// NeutralConvergence is a ConvergenceProvider that never biases
// scoring; useful before the convergence service has observed a worker.
type NeutralConvergence struct{}

// ConvergenceComponent always returns 0.5.
func (NeutralConvergence) ConvergenceComponent(string, string) float64 { return 0.5 }

const maxSlotAcquisitionRetries = 3

// Result is the outcome of a selection round.
type Result struct {
	Decision types.BuildLocation // Remote or Local
	WorkerID string
	Guard    *pool.SlotGuard
	Reason   string // set when Decision == Local
}

// Selector holds the collaborators a selection round reads from.
type Selector struct {
	pool        *pool.Pool
	gate        *admission.Gate
	estimator   *estimator.Estimator
	history     *history.History
	bus         *events.Broker
	convergence ConvergenceProvider
	logger      zerolog.Logger

	mu            sync.Mutex
	roundRobinIdx int
}

// New creates a Selector.
func New(p *pool.Pool, gate *admission.Gate, est *estimator.Estimator, hist *history.History, bus *events.Broker, conv ConvergenceProvider) *Selector {
	if conv == nil {
		conv = NeutralConvergence{}
	}
	return &Selector{
		pool:        p,
		gate:        gate,
		estimator:   est,
		history:     hist,
		bus:         bus,
		convergence: conv,
		logger:      log.WithComponent("selector"),
	}
}

type candidate struct {
	worker  *pool.Worker
	verdict types.AdmissionVerdict
	score   float64
}

// Select runs one selection round for req under cfg. It never blocks
// past ctx's deadline: if the budget expires mid-round it returns a
// Local decision with reason "budget_exceeded" the same way an empty
// or fully-rejected pool does, just with a more specific reason.
func (s *Selector) Select(ctx context.Context, req types.SelectionRequest, cfg types.SelectionConfig) Result {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SelectionDuration)

	s.gate.BeginRound()
	now := time.Now()

	workers := s.pool.AllWorkers()
	projectSamples := s.history.BytesTransferredForProject(req.Project)
	globalSamples := s.history.BytesTransferredGlobal()
	requiredBytes := s.estimator.ExpectedBytes(projectSamples, globalSamples)
	requiredGB := requiredBytes / 1e9

	var admitted []candidate
	for _, w := range workers {
		select {
		case <-ctx.Done():
			return Result{Decision: types.BuildLocal, Reason: "budget_exceeded"}
		default:
		}

		if !s.passesFilter(w, req, now) {
			continue
		}

		assessment, _ := w.PressureAssessment()
		freeGB := math.Inf(1)
		if assessment.DiskFreeGB != nil {
			freeGB = *assessment.DiskFreeGB
		}
		effectiveFreeGB := s.estimator.EffectiveFreeGB(freeGB, w.ID())
		headroomScore := estimator.Score(effectiveFreeGB, requiredGB)

		verdict := s.gate.Evaluate(w.ID(), assessment, headroomScore, now)
		if !verdict.Admitted {
			s.publish(events.EventAdmissionReject, w.ID(), req.Project, nil, verdict.Reason, map[string]string{
				"reason_code": verdict.ReasonCode,
			})
			continue
		}

		admitted = append(admitted, candidate{worker: w, verdict: verdict})
	}

	if len(admitted) == 0 {
		return Result{Decision: types.BuildLocal, Reason: "no_admitted_candidates"}
	}

	s.score(admitted, req, cfg)

	var passing []candidate
	for _, c := range admitted {
		if c.score >= cfg.MinAdmittedScore {
			passing = append(passing, c)
		}
	}
	if len(passing) == 0 {
		return Result{Decision: types.BuildLocal, Reason: "no_candidate_above_min_score"}
	}

	sort.SliceStable(passing, func(i, j int) bool {
		a, b := passing[i], passing[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.worker.Config().Priority != b.worker.Config().Priority {
			return a.worker.Config().Priority > b.worker.Config().Priority
		}
		return a.worker.ID() < b.worker.ID()
	})

	for attempt := 0; attempt < len(passing) && attempt < maxSlotAcquisitionRetries; attempt++ {
		c := passing[attempt]
		if !c.worker.Circuit().AcquireProbeSlot() {
			// Lost the probe budget to a concurrent round between the
			// filter pass above and here; try the next candidate rather
			// than blocking on this one.
			continue
		}
		guard, err := c.worker.AcquireSlot()
		if err != nil {
			continue
		}

		s.publish(events.EventAdmissionAdmit, c.worker.ID(), req.Project, nil, "", map[string]string{
			"headroom_score":   formatFloat(c.verdict.HeadroomScore),
			"pressure_penalty": formatFloat(c.verdict.PressurePenalty),
		})
		s.publish(events.EventSelectionWinner, c.worker.ID(), req.Project, nil, "", map[string]string{
			"score":    formatFloat(c.score),
			"strategy": string(cfg.Strategy),
		})

		return Result{Decision: types.BuildRemote, WorkerID: c.worker.ID(), Guard: guard}
	}

	s.publish(events.EventSelectionNone, "", req.Project, nil, "slot_acquisition_failed", nil)
	return Result{Decision: types.BuildLocal, Reason: "slot_acquisition_failed"}
}

func (s *Selector) passesFilter(w *pool.Worker, req types.SelectionRequest, now time.Time) bool {
	status := w.Status()
	if status != types.WorkerStatusHealthy && status != types.WorkerStatusDegraded {
		return false
	}
	if w.AvailableSlots() < 1 {
		return false
	}
	if req.RequiredRuntime.Name != "" {
		if tag, ok := w.Config().Tags["runtime"]; ok && tag != req.RequiredRuntime.Name {
			return false
		}
	}

	allowed, _, _, _ := w.Circuit().CanAdmit(now)
	return allowed
}

func (s *Selector) score(candidates []candidate, req types.SelectionRequest, cfg types.SelectionConfig) {
	maxPriority := 1
	for _, c := range candidates {
		if c.worker.Config().Priority > maxPriority {
			maxPriority = c.worker.Config().Priority
		}
	}

	var nextRoundRobinID string
	if cfg.Strategy == types.StrategyRoundRobin {
		nextRoundRobinID = s.nextRoundRobinTarget(candidates)
	}

	for i := range candidates {
		c := &candidates[i]
		w := c.worker

		loadComponent := 1.0
		if total := w.Config().TotalSlots; total > 0 {
			loadComponent = 1 - float64(w.UsedSlots())/float64(total)
		}
		priorityComponent := float64(w.Config().Priority) / float64(maxPriority)
		convergenceComponent := s.convergence.ConvergenceComponent(w.ID(), req.Project)
		tagComponent := tagMatchComponent(w, req)

		switch cfg.Strategy {
		case types.StrategyLeastLoaded:
			c.score = loadComponent

		case types.StrategyHighestPriority:
			c.score = priorityComponent

		case types.StrategyRoundRobin:
			if w.ID() == nextRoundRobinID {
				c.score = 1
			} else {
				c.score = 0
			}

		case types.StrategyCapacityAware:
			effectiveCapacity := float64(w.AvailableSlots()) * (1 + w.ThroughputFactor())
			maxCapacity := float64(w.Config().TotalSlots) * 2
			if maxCapacity <= 0 {
				maxCapacity = 1
			}
			capacityLoad := clamp01(effectiveCapacity / maxCapacity)
			c.score = cfg.WeightLoad*capacityLoad +
				cfg.WeightPriority*priorityComponent +
				cfg.WeightConvergence*convergenceComponent +
				cfg.WeightTag*tagComponent -
				cfg.WeightPressure*c.verdict.PressurePenalty

		default: // Balanced
			c.score = cfg.WeightLoad*loadComponent +
				cfg.WeightPriority*priorityComponent +
				cfg.WeightConvergence*convergenceComponent +
				cfg.WeightTag*tagComponent -
				cfg.WeightPressure*c.verdict.PressurePenalty
		}
	}
}

// nextRoundRobinTarget returns the worker id at the current cyclic
// index over a deterministic (lexicographic) ordering of candidates,
// then advances the index for the next round.
func (s *Selector) nextRoundRobinTarget(candidates []candidate) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.worker.ID()
	}
	sort.Strings(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return ""
	}
	idx := s.roundRobinIdx % len(ids)
	s.roundRobinIdx++
	return ids[idx]
}

func tagMatchComponent(w *pool.Worker, req types.SelectionRequest) float64 {
	if len(req.PreferredWorkers) == 0 {
		return 0.5
	}
	for _, id := range req.PreferredWorkers {
		if id == w.ID() {
			return 1.0
		}
	}
	return 0.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Selector) publish(t events.EventType, workerID, projectID string, buildID *uint64, message string, metadata map[string]string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&events.Event{
		Type:      t,
		WorkerID:  workerID,
		ProjectID: projectID,
		BuildID:   buildID,
		Message:   message,
		Metadata:  metadata,
	})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
