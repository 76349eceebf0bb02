// Package pool holds the live worker fleet: one record per configured
// worker, with per-worker mutable state (slots, pressure, circuit)
// guarded independently of the pool's own membership lock, in the
// shape the daemon's other background-task-driven collections use
// (see pkg/events, pkg/history).
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/rchdaemon/rchd/pkg/circuit"
	"github.com/rchdaemon/rchd/pkg/types"
)

// ErrSlotsExhausted is returned by AcquireSlot when a worker has no
// free capacity.
var ErrSlotsExhausted = errors.New("pool: no available slots")

// ErrNotFound is returned by operations addressed to an unknown worker id.
var ErrNotFound = errors.New("pool: worker not found")

// ErrAlreadyExists is returned by Add when the worker id is already
// registered.
var ErrAlreadyExists = errors.New("pool: worker already exists")

// Worker is one fleet member's live record. Its own mutex guards
// mutable sub-state; the pool's map lock only guards membership.
type Worker struct {
	mu sync.Mutex

	config types.WorkerConfig
	status types.WorkerStatus

	usedSlots int

	pressure    types.PressureAssessment
	hasPressure bool

	lastLatency time.Duration

	circuit    *circuit.Breaker
	throughput ewma.MovingAverage
}

// CircuitBreakerConfig parameterises the breaker created for every
// worker added to the pool.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ProbeBudget      int
	Cooldown         time.Duration
}

func newWorker(cfg types.WorkerConfig, cbCfg CircuitBreakerConfig) *Worker {
	return &Worker{
		config:     cfg,
		status:     types.WorkerStatusHealthy,
		circuit:    circuit.New(cbCfg.FailureThreshold, cbCfg.SuccessThreshold, cbCfg.ProbeBudget, cbCfg.Cooldown),
		throughput: ewma.NewMovingAverage(),
	}
}

// ID returns the worker's stable identifier. Safe to call without
// holding any lock — config is set once at construction.
func (w *Worker) ID() string { return w.config.ID }

// Config returns the worker's declarative configuration.
func (w *Worker) Config() types.WorkerConfig { return w.config }

// Circuit returns the worker's circuit breaker.
func (w *Worker) Circuit() *circuit.Breaker { return w.circuit }

// Status returns the worker's current externally-visible status.
func (w *Worker) Status() types.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SetStatus overwrites the worker's externally-visible status.
func (w *Worker) SetStatus(status types.WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// UsedSlots returns the number of slots currently checked out.
func (w *Worker) UsedSlots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usedSlots
}

// AvailableSlots returns TotalSlots - UsedSlots, never negative.
func (w *Worker) AvailableSlots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	avail := w.config.TotalSlots - w.usedSlots
	if avail < 0 {
		return 0
	}
	return avail
}

// SlotGuard releases its worker's slot exactly once. The zero value is
// not usable; only AcquireSlot constructs one.
type SlotGuard struct {
	worker   *Worker
	released bool
	mu       sync.Mutex
}

// Release returns the slot to the pool. Safe to call more than once;
// only the first call has an effect.
func (g *SlotGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true

	g.worker.mu.Lock()
	if g.worker.usedSlots > 0 {
		g.worker.usedSlots--
	}
	g.worker.mu.Unlock()
}

// AcquireSlot checks out one slot on the worker, returning a guard that
// releases it. Never allows usedSlots to exceed TotalSlots.
func (w *Worker) AcquireSlot() (*SlotGuard, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.usedSlots >= w.config.TotalSlots {
		return nil, ErrSlotsExhausted
	}
	w.usedSlots++
	return &SlotGuard{worker: w}, nil
}

// PressureAssessment returns the worker's last recorded assessment and
// whether one has ever been recorded.
func (w *Worker) PressureAssessment() (types.PressureAssessment, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pressure, w.hasPressure
}

// SetPressureAssessment replaces the worker's pressure assessment
// wholesale — assessments are value objects, never mutated in place.
func (w *Worker) SetPressureAssessment(p types.PressureAssessment) {
	w.mu.Lock()
	w.pressure = p
	w.hasPressure = true
	w.mu.Unlock()
}

// LastLatency returns the most recently observed probe latency.
func (w *Worker) LastLatency() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLatency
}

// SetLastLatency records the most recent probe latency.
func (w *Worker) SetLastLatency(d time.Duration) {
	w.mu.Lock()
	w.lastLatency = d
	w.mu.Unlock()
}

// RecordBuildCompletion feeds one completed build's duration into the
// worker's recent-throughput moving average, used by the CapacityAware
// selector strategy.
func (w *Worker) RecordBuildCompletion(durationMS int64) {
	if durationMS <= 0 {
		return
	}
	// Throughput is inversely proportional to duration; use builds-per-
	// second as the tracked quantity so larger is always "faster".
	perSecond := 1000.0 / float64(durationMS)
	w.mu.Lock()
	w.throughput.Add(perSecond)
	w.mu.Unlock()
}

// ThroughputFactor returns the worker's smoothed recent build
// throughput (builds/sec), or 0 if no completions have been recorded.
func (w *Worker) ThroughputFactor() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.throughput.Value()
}

// Pool holds the fleet keyed by worker id.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{workers: make(map[string]*Worker)}
}

// Add registers a new worker from its declarative config.
func (p *Pool) Add(cfg types.WorkerConfig, cbCfg CircuitBreakerConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workers[cfg.ID]; exists {
		return ErrAlreadyExists
	}
	p.workers[cfg.ID] = newWorker(cfg, cbCfg)
	return nil
}

// Remove drops a worker from the pool.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workers[id]; !exists {
		return ErrNotFound
	}
	delete(p.workers, id)
	return nil
}

// Get returns the worker record for id, if present. The returned
// handle is shared and safe for concurrent use.
func (p *Pool) Get(id string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	return w, ok
}

// AllWorkers returns a snapshot slice of shared worker handles. The
// slice itself is a copy; the underlying *Worker values are shared with
// the pool and reflect live state.
func (p *Pool) AllWorkers() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// Len returns the number of workers currently registered.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// SetStatus is a convenience wrapper over Get+SetStatus for admin paths.
func (p *Pool) SetStatus(id string, status types.WorkerStatus) error {
	w, ok := p.Get(id)
	if !ok {
		return ErrNotFound
	}
	w.SetStatus(status)
	return nil
}

// AvailableSlots is a convenience wrapper over Get+AvailableSlots.
func (p *Pool) AvailableSlots(id string) (int, error) {
	w, ok := p.Get(id)
	if !ok {
		return 0, ErrNotFound
	}
	return w.AvailableSlots(), nil
}

// SetPressureAssessment is a convenience wrapper over Get+SetPressureAssessment.
func (p *Pool) SetPressureAssessment(id string, assessment types.PressureAssessment) error {
	w, ok := p.Get(id)
	if !ok {
		return ErrNotFound
	}
	w.SetPressureAssessment(assessment)
	return nil
}
