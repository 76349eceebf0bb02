// Package circuit implements the per-worker circuit-breaker finite
// state machine: Closed -> Open on a failure streak, Open -> HalfOpen
// after a cooldown, HalfOpen -> Closed on a success streak or back to
// Open on any half-open failure.
package circuit

import (
	"sync"
	"time"

	"github.com/rchdaemon/rchd/pkg/types"
)

// Breaker is a single worker's circuit-breaker state. All mutation is
// serialised by an internal mutex; callers never need their own lock
// around a Breaker.
type Breaker struct {
	mu sync.Mutex

	state                types.CircuitState
	consecutiveSuccesses int
	consecutiveFailures  int
	openedAt             *time.Time
	probesInFlight       int

	failureThreshold int
	successThreshold int
	probeBudget      int
	cooldown         time.Duration
}

// New creates a Breaker starting Closed.
func New(failureThreshold, successThreshold, probeBudget int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:            types.CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		probeBudget:      probeBudget,
		cooldown:         cooldown,
	}
}

// Stats returns a snapshot of the breaker's current bookkeeping.
func (b *Breaker) Stats() types.CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.CircuitStats{
		State:                  b.state,
		ConsecutiveSuccesses:   b.consecutiveSuccesses,
		ConsecutiveFailures:    b.consecutiveFailures,
		OpenedAt:               b.openedAt,
		HalfOpenProbeBudget:    b.probeBudget,
		HalfOpenProbesInFlight: b.probesInFlight,
	}
}

// State returns the current circuit state without the rest of the
// bookkeeping.
func (b *Breaker) State() types.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TryAcquireProbe decides whether a probe (health check or a selection
// routing decision) may proceed right now, first promoting Open to
// HalfOpen if the cooldown has elapsed. Closed always admits. HalfOpen
// admits only while probesInFlight < probeBudget, and reserves a slot
// on success. Open never admits. transitioned reports whether the
// Open->HalfOpen promotion happened as a side effect of this call.
func (b *Breaker) TryAcquireProbe(now time.Time) (allowed, transitioned bool, before, after types.CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	before = b.state

	if b.state == types.CircuitOpen && b.openedAt != nil && now.Sub(*b.openedAt) >= b.cooldown {
		b.state = types.CircuitHalfOpen
		b.consecutiveSuccesses = 0
		b.consecutiveFailures = 0
		b.probesInFlight = 0
		transitioned = true
	}
	after = b.state

	switch b.state {
	case types.CircuitClosed:
		return true, transitioned, before, after
	case types.CircuitHalfOpen:
		if b.probesInFlight < b.probeBudget {
			b.probesInFlight++
			return true, transitioned, before, after
		}
		return false, transitioned, before, after
	default: // Open
		return false, transitioned, before, after
	}
}

// CanAdmit is TryAcquireProbe's read side: it still promotes Open to
// HalfOpen on an elapsed cooldown (that promotion reflects reality
// regardless of whether this particular caller goes on to use the
// worker), but never reserves a HalfOpen probe slot. Used by the
// selector's candidate filter, where many workers are inspected but
// only the eventual winner should consume the budget.
func (b *Breaker) CanAdmit(now time.Time) (allowed, transitioned bool, before, after types.CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	before = b.state

	if b.state == types.CircuitOpen && b.openedAt != nil && now.Sub(*b.openedAt) >= b.cooldown {
		b.state = types.CircuitHalfOpen
		b.consecutiveSuccesses = 0
		b.consecutiveFailures = 0
		b.probesInFlight = 0
		transitioned = true
	}
	after = b.state

	switch b.state {
	case types.CircuitClosed:
		return true, transitioned, before, after
	case types.CircuitHalfOpen:
		return b.probesInFlight < b.probeBudget, transitioned, before, after
	default: // Open
		return false, transitioned, before, after
	}
}

// AcquireProbeSlot reserves one HalfOpen probe slot for a winning
// candidate after CanAdmit has already confirmed capacity; a Closed
// breaker always grants it without tracking a count. Pairs with
// Report, which releases the slot when the outcome is known.
func (b *Breaker) AcquireProbeSlot() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.CircuitClosed:
		return true
	case types.CircuitHalfOpen:
		if b.probesInFlight < b.probeBudget {
			b.probesInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// Report records the outcome of a probe or build against the breaker
// and applies the FSM transition table. It returns whether a state
// transition occurred and its before/after states, so the caller can
// emit a circuit.transition event.
func (b *Breaker) Report(success bool, now time.Time) (transitioned bool, before, after types.CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	before = b.state
	wasHalfOpenProbe := b.state == types.CircuitHalfOpen
	if wasHalfOpenProbe && b.probesInFlight > 0 {
		b.probesInFlight--
	}

	switch b.state {
	case types.CircuitClosed:
		if success {
			b.consecutiveFailures = 0
			b.consecutiveSuccesses++
		} else {
			b.consecutiveSuccesses = 0
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.failureThreshold {
				b.openCircuit(now)
			}
		}

	case types.CircuitHalfOpen:
		if success {
			b.consecutiveFailures = 0
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.successThreshold {
				b.state = types.CircuitClosed
				b.consecutiveSuccesses = 0
				b.openedAt = nil
			}
		} else {
			b.openCircuit(now)
		}

	case types.CircuitOpen:
		// A result arriving while Open (a stray in-flight probe) does not
		// reopen or close the circuit; only the cooldown tick does that.
	}

	after = b.state
	return before != after, before, after
}

func (b *Breaker) openCircuit(now time.Time) {
	b.state = types.CircuitOpen
	b.consecutiveSuccesses = 0
	b.consecutiveFailures = 0
	opened := now
	b.openedAt = &opened
	b.probesInFlight = 0
}

// VisibleStatus maps the circuit state (plus whether the last recorded
// result was degraded-latency) onto the worker's externally visible
// status per the health monitor's classification rule.
func VisibleStatus(state types.CircuitState, degraded bool) types.WorkerStatus {
	switch state {
	case types.CircuitOpen:
		return types.WorkerStatusUnreachable
	case types.CircuitHalfOpen:
		return types.WorkerStatusDegraded
	default:
		if degraded {
			return types.WorkerStatusDegraded
		}
		return types.WorkerStatusHealthy
	}
}
