// Package convergence tracks, per worker, how settled that worker's
// source tree is against the set of repos active builds currently
// need. It computes the required repo hull from active projects,
// drives a deterministic drift-state machine with hysteresis so a
// worker doesn't flap between states on every status check, and bounds
// each convergence cycle with both an attempt budget and a wall-clock
// budget so a worker with a broken sync path eventually gives up
// rather than retrying forever.
package convergence

import (
	"sort"
	"sync"
	"time"

	"github.com/rchdaemon/rchd/pkg/events"
	"github.com/rchdaemon/rchd/pkg/log"
	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// MaxAttempts is the number of convergence attempts a worker gets
	// per drift cycle before it is marked Failed.
	MaxAttempts = 3

	// TimeBudget bounds the total wall-clock time a worker's
	// convergence cycle may spend across all attempts.
	TimeBudget = 120 * time.Second

	// StateHysteresis is the minimum dwell time in a state before
	// another transition is allowed, to avoid flapping.
	StateHysteresis = 5 * time.Second

	// StalenessThreshold: a worker whose last status check is older
	// than this is marked Stale regardless of its prior state.
	StalenessThreshold = 5 * time.Minute

	maxTransitionHistory = 64
	maxOutcomeHistory    = 256
)

// Transition records one drift-state change with its cause.
type Transition struct {
	From          types.DriftState
	To            types.DriftState
	ReasonCode    string
	TransitionedAt time.Time
}

// Outcome is the structured result of one convergence attempt.
type Outcome struct {
	WorkerID      string
	Project       string
	Before        types.DriftState
	After         types.DriftState
	SyncedCount   int
	FailedCount   int
	SkippedCount  int
	Duration      time.Duration
	ReasonCode    string
	Failure       string
	EmittedAt     time.Time
}

// Hull is the deduplicated, sorted set of repos required by the active
// builds a scheduling decision was computed over.
type Hull struct {
	ID            string
	ActiveBuilds  int
	RequiredRepos []string
	ComputedAt    time.Time
}

// ComputeHull deduplicates and sorts projectRoots into the repo hull a
// worker must hold to serve every currently active build.
func ComputeHull(projectRoots []string) Hull {
	set := make(map[string]struct{}, len(projectRoots))
	for _, r := range projectRoots {
		set[r] = struct{}{}
	}
	repos := make([]string, 0, len(set))
	for r := range set {
		repos = append(repos, r)
	}
	sort.Strings(repos)

	return Hull{
		ID:            "hull-" + time.Now().UTC().Format("20060102T150405.000000000"),
		ActiveBuilds:  len(projectRoots),
		RequiredRepos: repos,
		ComputedAt:    time.Now().UTC(),
	}
}

// workerState is the per-worker convergence bookkeeping. project is
// tracked because drift is scoped to the (worker, project) pair the
// selector cares about, but since a worker typically serves one
// project hull at a time we key state by worker ID and remember the
// most recent project alongside it.
type workerState struct {
	mu sync.Mutex

	project               string
	current               types.DriftState
	requiredRepos         []string
	syncedRepos           []string
	missingRepos          []string
	lastStatusCheck       time.Time
	lastAttempt           time.Time
	attemptsUsed          int
	timeBudgetRemaining   time.Duration
	attemptBudgetRemaining int
	lastTransitionAt      time.Time
}

func newWorkerState() *workerState {
	return &workerState{
		current:                types.DriftStale,
		timeBudgetRemaining:    TimeBudget,
		attemptBudgetRemaining: MaxAttempts,
	}
}

func (ws *workerState) canTransition(now time.Time) bool {
	if ws.lastTransitionAt.IsZero() {
		return true
	}
	return now.Sub(ws.lastTransitionAt) >= StateHysteresis
}

// driftConfidence is 0 when fully converged and 1 when every required
// repo is missing.
func (ws *workerState) driftConfidence() float64 {
	if len(ws.requiredRepos) == 0 {
		return 0
	}
	ratio := float64(len(ws.missingRepos)) / float64(len(ws.requiredRepos))
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func (ws *workerState) resetBudgets() {
	ws.attemptsUsed = 0
	ws.timeBudgetRemaining = TimeBudget
	ws.attemptBudgetRemaining = MaxAttempts
}

// Service tracks per-worker repo convergence and satisfies
// pkg/selector.ConvergenceProvider so the scheduling core can weigh a
// worker's source-tree freshness without coupling to how convergence
// is computed.
type Service struct {
	bus    *events.Broker
	logger zerolog.Logger

	mu     sync.RWMutex
	states map[string]*workerState

	outcomesMu sync.Mutex
	outcomes   []Outcome

	transitionsMu sync.Mutex
	transitions   map[string][]Transition
}

// New creates a Service wired to the daemon event bus. bus may be nil
// in tests that don't care about emitted events.
func New(bus *events.Broker) *Service {
	return &Service{
		bus:         bus,
		logger:      log.WithComponent("convergence"),
		states:      make(map[string]*workerState),
		transitions: make(map[string][]Transition),
	}
}

func (s *Service) stateFor(workerID string) *workerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.states[workerID]
	if !ok {
		ws = newWorkerState()
		s.states[workerID] = ws
	}
	return ws
}

// DriftState returns the current drift state for a worker, Stale if
// the worker has never been observed.
func (s *Service) DriftState(workerID string) types.DriftState {
	s.mu.RLock()
	ws, ok := s.states[workerID]
	s.mu.RUnlock()
	if !ok {
		return types.DriftStale
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.current
}

// ConvergenceComponent implements pkg/selector.ConvergenceProvider: it
// maps a worker's drift confidence for the requested project onto the
// [0,1] scoring range the selector expects, where 1 means fully
// converged (no bias against the worker) and 0 means fully drifted.
// A worker the service has never observed, or one tracked against a
// different project, scores neutral (0.5) rather than penalizing it
// for missing data.
func (s *Service) ConvergenceComponent(workerID, projectID string) float64 {
	s.mu.RLock()
	ws, ok := s.states[workerID]
	s.mu.RUnlock()
	if !ok {
		return 0.5
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.project != "" && projectID != "" && ws.project != projectID {
		return 0.5
	}
	if ws.current == types.DriftStale {
		return 0.5
	}
	return 1 - ws.driftConfidence()
}

// WorkerSnapshot is a point-in-time view of one worker's convergence
// posture, for status reporting.
type WorkerSnapshot struct {
	WorkerID               string
	Project                string
	State                  types.DriftState
	RequiredRepos          []string
	SyncedRepos            []string
	MissingRepos           []string
	LastStatusCheck        time.Time
	LastAttempt            time.Time
	AttemptsUsed           int
	TimeBudgetRemaining    time.Duration
	AttemptBudgetRemaining int
}

// WorkerSnapshot returns the full convergence state for one worker.
func (s *Service) WorkerSnapshot(workerID string) (WorkerSnapshot, bool) {
	s.mu.RLock()
	ws, ok := s.states[workerID]
	s.mu.RUnlock()
	if !ok {
		return WorkerSnapshot{}, false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return snapshotLocked(workerID, ws), true
}

// AllWorkerSnapshots returns the convergence state for every tracked worker.
func (s *Service) AllWorkerSnapshots() []WorkerSnapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	wss := make([]*workerState, 0, len(s.states))
	for id, ws := range s.states {
		ids = append(ids, id)
		wss = append(wss, ws)
	}
	s.mu.RUnlock()

	out := make([]WorkerSnapshot, len(ids))
	for i, id := range ids {
		wss[i].mu.Lock()
		out[i] = snapshotLocked(id, wss[i])
		wss[i].mu.Unlock()
	}
	return out
}

func snapshotLocked(workerID string, ws *workerState) WorkerSnapshot {
	return WorkerSnapshot{
		WorkerID:               workerID,
		Project:                ws.project,
		State:                  ws.current,
		RequiredRepos:          append([]string(nil), ws.requiredRepos...),
		SyncedRepos:            append([]string(nil), ws.syncedRepos...),
		MissingRepos:           append([]string(nil), ws.missingRepos...),
		LastStatusCheck:        ws.lastStatusCheck,
		LastAttempt:            ws.lastAttempt,
		AttemptsUsed:           ws.attemptsUsed,
		TimeBudgetRemaining:    ws.timeBudgetRemaining,
		AttemptBudgetRemaining: ws.attemptBudgetRemaining,
	}
}

// RecentOutcomes returns up to limit of the most recently recorded
// convergence outcomes, most recent first.
func (s *Service) RecentOutcomes(limit int) []Outcome {
	s.outcomesMu.Lock()
	defer s.outcomesMu.Unlock()
	n := len(s.outcomes)
	if limit > n {
		limit = n
	}
	out := make([]Outcome, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.outcomes[n-1-i]
	}
	return out
}

// WorkerTransitions returns the recorded drift-state transitions for a
// worker, oldest first.
func (s *Service) WorkerTransitions(workerID string) []Transition {
	s.transitionsMu.Lock()
	defer s.transitionsMu.Unlock()
	return append([]Transition(nil), s.transitions[workerID]...)
}

// UpdateRequiredRepos sets the repo hull a worker must hold for a
// project and recomputes drift, transitioning to Ready or Drifting
// under the hysteresis rule.
func (s *Service) UpdateRequiredRepos(workerID, project string, required, synced []string) {
	ws := s.stateFor(workerID)

	ws.mu.Lock()
	ws.project = project
	ws.requiredRepos = required
	ws.syncedRepos = synced

	syncedSet := make(map[string]struct{}, len(synced))
	for _, r := range synced {
		syncedSet[r] = struct{}{}
	}
	missing := make([]string, 0)
	for _, r := range required {
		if _, ok := syncedSet[r]; !ok {
			missing = append(missing, r)
		}
	}
	ws.missingRepos = missing
	now := time.Now().UTC()
	ws.lastStatusCheck = now

	newState := types.DriftDrifting
	reason := "missing_repos"
	if len(missing) == 0 {
		newState = types.DriftReady
		reason = "all_repos_present"
	}

	s.applyTransitionLocked(workerID, ws, newState, reason, now)
	ws.mu.Unlock()
}

// MarkConverging transitions a worker into the Converging state,
// indicating a sync operation has started.
func (s *Service) MarkConverging(workerID string) {
	ws := s.stateFor(workerID)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	s.applyTransitionLocked(workerID, ws, types.DriftConverging, "sync_started", time.Now().UTC())
}

// RecordAttempt records the outcome of one convergence attempt,
// consumes the worker's attempt and time budgets, and drives the next
// drift-state transition from the result.
func (s *Service) RecordAttempt(workerID, project string, synced, failed, skipped int, duration time.Duration, failure string) Outcome {
	ws := s.stateFor(workerID)

	ws.mu.Lock()
	before := ws.current

	ws.attemptsUsed++
	ws.attemptBudgetRemaining--
	if ws.attemptBudgetRemaining < 0 {
		ws.attemptBudgetRemaining = 0
	}
	ws.timeBudgetRemaining -= duration
	if ws.timeBudgetRemaining < 0 {
		ws.timeBudgetRemaining = 0
	}
	now := time.Now().UTC()
	ws.lastAttempt = now

	var newState types.DriftState
	var reason string
	switch {
	case failure != "":
		switch {
		case ws.attemptBudgetRemaining == 0:
			newState, reason = types.DriftFailed, "attempt_budget_exhausted"
		case ws.timeBudgetRemaining == 0:
			newState, reason = types.DriftFailed, "time_budget_exhausted"
		default:
			newState, reason = types.DriftDrifting, "sync_failed_retryable"
		}
	case failed > 0:
		newState, reason = types.DriftDrifting, "partial_failure"
	default:
		newState, reason = types.DriftReady, "sync_complete"
	}

	s.applyTransitionLocked(workerID, ws, newState, reason, now)
	after := ws.current
	ws.mu.Unlock()

	outcome := Outcome{
		WorkerID:     workerID,
		Project:      project,
		Before:       before,
		After:        after,
		SyncedCount:  synced,
		FailedCount:  failed,
		SkippedCount: skipped,
		Duration:     duration,
		ReasonCode:   reason,
		Failure:      failure,
		EmittedAt:    now,
	}

	s.outcomesMu.Lock()
	s.outcomes = append(s.outcomes, outcome)
	if len(s.outcomes) > maxOutcomeHistory {
		s.outcomes = s.outcomes[len(s.outcomes)-maxOutcomeHistory:]
	}
	s.outcomesMu.Unlock()

	if s.bus != nil {
		s.bus.Publish(&events.Event{
			Type:      events.EventRepoConvergenceChanged,
			WorkerID:  workerID,
			ProjectID: project,
			Message:   reason,
			Metadata: map[string]string{
				"before": string(before),
				"after":  string(after),
			},
		})
	}

	return outcome
}

// CheckStaleness marks any worker whose last status check is older
// than StalenessThreshold as Stale. Call this on a periodic sweep.
func (s *Service) CheckStaleness() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	wss := make([]*workerState, 0, len(s.states))
	for id, ws := range s.states {
		ids = append(ids, id)
		wss = append(wss, ws)
	}
	s.mu.RUnlock()

	now := time.Now().UTC()
	for i, ws := range wss {
		ws.mu.Lock()
		if ws.current != types.DriftStale && !ws.lastStatusCheck.IsZero() &&
			now.Sub(ws.lastStatusCheck) > StalenessThreshold && ws.canTransition(now) {
			s.logger.Warn().Str("worker_id", ids[i]).
				Dur("since_last_check", now.Sub(ws.lastStatusCheck)).
				Msg("repo convergence marked stale")
			s.applyTransitionLocked(ids[i], ws, types.DriftStale, "status_check_stale", now)
		}
		ws.mu.Unlock()
	}
}

// HasBudget reports whether a worker has attempt and time budget left
// for another convergence attempt. An unseen worker has full budget by
// definition: nothing has consumed it yet.
func (s *Service) HasBudget(workerID string) bool {
	s.mu.RLock()
	ws, ok := s.states[workerID]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.attemptBudgetRemaining > 0 && ws.timeBudgetRemaining > 0
}

// applyTransitionLocked applies a drift-state transition subject to
// the hysteresis guard, recording it and resetting budgets on entry to
// Ready. Callers must hold ws.mu.
func (s *Service) applyTransitionLocked(workerID string, ws *workerState, newState types.DriftState, reason string, now time.Time) {
	if newState == ws.current || !ws.canTransition(now) {
		return
	}

	from := ws.current
	t := Transition{From: from, To: newState, ReasonCode: reason, TransitionedAt: now}

	s.logger.Info().
		Str("worker_id", workerID).
		Str("from", string(from)).
		Str("to", string(newState)).
		Str("reason", reason).
		Msg("repo convergence transition")

	s.transitionsMu.Lock()
	hist := append(s.transitions[workerID], t)
	if len(hist) > maxTransitionHistory {
		hist = hist[len(hist)-maxTransitionHistory:]
	}
	s.transitions[workerID] = hist
	s.transitionsMu.Unlock()

	ws.current = newState
	ws.lastTransitionAt = now
	if newState == types.DriftReady {
		ws.resetBudgets()
	}
}
