// Package reclaim exposes the read-only safety gate that guards
// worker drain/reclaim operations: a worker may only be reclaimed once
// it has no builds actively running on it. The gate itself never
// mutates state and never decides what to do with a worker — it only
// answers whether reclaiming one right now would be safe.
package reclaim

import (
	"github.com/rchdaemon/rchd/pkg/history"
	"github.com/rchdaemon/rchd/pkg/types"
)

// SafetyResult is the outcome of one safety-gate check; it is the
// shared types.ReclaimSafetyResult.
type SafetyResult = types.ReclaimSafetyResult

// CheckSafetyGate reports whether workerID may be safely drained or
// reclaimed right now: permitted iff no build in h is currently active
// on that worker. Pure read over history; never mutates state.
func CheckSafetyGate(workerID string, h *history.History) SafetyResult {
	ids := h.ActiveBuildIDsForWorker(workerID)
	return SafetyResult{
		Permitted:      len(ids) == 0,
		ActiveBuildIDs: ids,
	}
}
