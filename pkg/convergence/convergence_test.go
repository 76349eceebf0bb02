package convergence

import (
	"testing"
	"time"

	"github.com/rchdaemon/rchd/pkg/events"
	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHullDeduplicatesAndSorts(t *testing.T) {
	roots := []string{"/data/projects/c", "/data/projects/a", "/data/projects/b", "/data/projects/a"}
	hull := ComputeHull(roots)

	assert.Equal(t, []string{"/data/projects/a", "/data/projects/b", "/data/projects/c"}, hull.RequiredRepos)
	assert.Equal(t, 4, hull.ActiveBuilds)
	assert.False(t, hull.ComputedAt.IsZero())
}

func TestComputeHullEmpty(t *testing.T) {
	hull := ComputeHull(nil)
	assert.Empty(t, hull.RequiredRepos)
	assert.Equal(t, 0, hull.ActiveBuilds)
}

func TestWorkerStateDriftConfidence(t *testing.T) {
	ws := newWorkerState()
	assert.Equal(t, 0.0, ws.driftConfidence())

	ws.requiredRepos = []string{"a", "b", "c", "d"}
	ws.missingRepos = []string{"b", "d"}
	assert.InDelta(t, 0.5, ws.driftConfidence(), 0.0001)

	ws.missingRepos = nil
	assert.Equal(t, 0.0, ws.driftConfidence())

	ws.missingRepos = ws.requiredRepos
	assert.Equal(t, 1.0, ws.driftConfidence())
}

func TestServiceInitialStateIsStale(t *testing.T) {
	svc := New(nil)
	assert.Equal(t, types.DriftStale, svc.DriftState("fresh-worker"))
}

func TestUpdateRequiredReposTransitionsToReady(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w1", "proj", []string{"repo_a", "repo_b"}, []string{"repo_a", "repo_b"})
	assert.Equal(t, types.DriftReady, svc.DriftState("w1"))
}

func TestUpdateRequiredReposTransitionsToDrifting(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w2", "proj", []string{"repo_a", "repo_b"}, []string{"repo_a"})

	assert.Equal(t, types.DriftDrifting, svc.DriftState("w2"))
	snap, ok := svc.WorkerSnapshot("w2")
	require.True(t, ok)
	assert.Equal(t, []string{"repo_b"}, snap.MissingRepos)
}

func TestRecordAttemptSuccessTransitionsToReady(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w3", "proj", []string{"repo_a"}, nil)
	require.Equal(t, types.DriftDrifting, svc.DriftState("w3"))

	svc.stateFor("w3").lastTransitionAt = time.Now().Add(-StateHysteresis)
	outcome := svc.RecordAttempt("w3", "proj", 1, 0, 0, 500*time.Millisecond, "")
	assert.Equal(t, types.DriftDrifting, outcome.Before)
	assert.Equal(t, types.DriftReady, outcome.After)
	assert.Equal(t, 1, outcome.SyncedCount)
	assert.Empty(t, outcome.Failure)
}

func TestRecordAttemptFailureStaysDriftingWithBudget(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w4", "proj", []string{"r"}, nil)

	outcome := svc.RecordAttempt("w4", "proj", 0, 1, 0, 100*time.Millisecond, "rsync timeout")
	assert.Equal(t, types.DriftDrifting, outcome.After)
	assert.True(t, svc.HasBudget("w4"))
}

func TestAttemptBudgetExhaustionTransitionsToFailed(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w5", "proj", []string{"r"}, nil)

	for i := 0; i < MaxAttempts; i++ {
		// Space attempts out past the hysteresis dwell so each one is
		// actually allowed to transition, mirroring real probe spacing.
		svc.stateFor("w5").lastTransitionAt = time.Now().Add(-StateHysteresis)
		svc.RecordAttempt("w5", "proj", 0, 1, 0, 100*time.Millisecond, "auth failure")
	}

	assert.Equal(t, types.DriftFailed, svc.DriftState("w5"))
	assert.False(t, svc.HasBudget("w5"))
}

func TestMarkConverging(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w6", "proj", []string{"r"}, nil)
	svc.stateFor("w6").lastTransitionAt = time.Now().Add(-StateHysteresis)
	svc.MarkConverging("w6")

	assert.Equal(t, types.DriftConverging, svc.DriftState("w6"))
}

func TestOutcomeStoredAndRetrievable(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w7", "proj", []string{"r"}, nil)
	svc.RecordAttempt("w7", "proj", 1, 0, 0, 200*time.Millisecond, "")

	outcomes := svc.RecentOutcomes(10)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "w7", outcomes[0].WorkerID)
	assert.Equal(t, 1, outcomes[0].SyncedCount)
}

func TestTransitionsLoggedPerWorker(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w8", "proj", []string{"r"}, nil) // Stale -> Drifting
	svc.stateFor("w8").lastTransitionAt = time.Now().Add(-StateHysteresis)
	svc.RecordAttempt("w8", "proj", 1, 0, 0, 100*time.Millisecond, "") // Drifting -> Ready

	transitions := svc.WorkerTransitions("w8")
	require.Len(t, transitions, 2)
	assert.Equal(t, types.DriftStale, transitions[0].From)
	assert.Equal(t, types.DriftDrifting, transitions[0].To)
	assert.Equal(t, types.DriftDrifting, transitions[1].From)
	assert.Equal(t, types.DriftReady, transitions[1].To)
}

func TestPartialFailureKeepsDrifting(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w9", "proj", []string{"a", "b"}, nil)

	outcome := svc.RecordAttempt("w9", "proj", 1, 1, 0, 300*time.Millisecond, "")
	assert.Equal(t, types.DriftDrifting, outcome.After)
}

func TestAllWorkerSnapshots(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w10", "proj", []string{"r"}, []string{"r"})
	svc.UpdateRequiredRepos("w11", "proj", []string{"r"}, nil)

	all := svc.AllWorkerSnapshots()
	assert.Len(t, all, 2)
}

func TestReadyResetsBudgets(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w13", "proj", []string{"r"}, nil)

	svc.stateFor("w13").lastTransitionAt = time.Now().Add(-StateHysteresis)
	svc.RecordAttempt("w13", "proj", 0, 1, 0, 100*time.Millisecond, "fail")

	svc.stateFor("w13").lastTransitionAt = time.Now().Add(-StateHysteresis)
	svc.RecordAttempt("w13", "proj", 1, 0, 0, 100*time.Millisecond, "")

	snap, ok := svc.WorkerSnapshot("w13")
	require.True(t, ok)
	assert.Equal(t, MaxAttempts, snap.AttemptBudgetRemaining)
}

func TestConvergenceEventsEmitted(t *testing.T) {
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	svc := New(bus)
	svc.UpdateRequiredRepos("w12", "proj", []string{"r"}, nil) // Stale -> Drifting, no event yet
	svc.stateFor("w12").lastTransitionAt = time.Now().Add(-StateHysteresis)
	svc.RecordAttempt("w12", "proj", 1, 0, 0, 100*time.Millisecond, "")

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventRepoConvergenceChanged, ev.Type)
		assert.Equal(t, "w12", ev.WorkerID)
	case <-time.After(time.Second):
		t.Fatal("expected a repo convergence event")
	}
}

func TestConvergenceComponentUnseenWorkerIsNeutral(t *testing.T) {
	svc := New(nil)
	assert.Equal(t, 0.5, svc.ConvergenceComponent("unseen", "proj"))
}

func TestConvergenceComponentReflectsDriftConfidence(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w14", "proj", []string{"a", "b"}, []string{"a"})
	// 1 of 2 missing -> drift confidence 0.5 -> component 0.5
	assert.InDelta(t, 0.5, svc.ConvergenceComponent("w14", "proj"), 0.0001)

	svc.stateFor("w14").lastTransitionAt = time.Now().Add(-StateHysteresis)
	svc.UpdateRequiredRepos("w14", "proj", []string{"a", "b"}, []string{"a", "b"})
	assert.Equal(t, 1.0, svc.ConvergenceComponent("w14", "proj"))
}

func TestConvergenceComponentDifferentProjectIsNeutral(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w15", "proj-a", []string{"a", "b"}, nil)
	assert.Equal(t, 0.5, svc.ConvergenceComponent("w15", "proj-b"))
}

func TestCheckStalenessMarksOldWorkersStale(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w16", "proj", []string{"r"}, []string{"r"})

	ws := svc.stateFor("w16")
	ws.mu.Lock()
	ws.lastStatusCheck = time.Now().Add(-StalenessThreshold - time.Second)
	ws.lastTransitionAt = time.Now().Add(-StateHysteresis)
	ws.mu.Unlock()

	svc.CheckStaleness()
	assert.Equal(t, types.DriftStale, svc.DriftState("w16"))
}

func TestCheckStalenessLeavesFreshWorkersAlone(t *testing.T) {
	svc := New(nil)
	svc.UpdateRequiredRepos("w17", "proj", []string{"r"}, []string{"r"})

	svc.CheckStaleness()
	assert.Equal(t, types.DriftReady, svc.DriftState("w17"))
}

func TestHasBudgetTrueForUnseenWorker(t *testing.T) {
	svc := New(nil)
	assert.True(t, svc.HasBudget("never-seen"))
}
