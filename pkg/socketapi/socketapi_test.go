package socketapi

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rchdaemon/rchd/pkg/admission"
	"github.com/rchdaemon/rchd/pkg/estimator"
	"github.com/rchdaemon/rchd/pkg/events"
	"github.com/rchdaemon/rchd/pkg/history"
	"github.com/rchdaemon/rchd/pkg/pool"
	"github.com/rchdaemon/rchd/pkg/pressure"
	"github.com/rchdaemon/rchd/pkg/selector"
	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCBConfig() pool.CircuitBreakerConfig {
	return pool.CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, ProbeBudget: 1, Cooldown: time.Minute}
}

func newTestDeps(t *testing.T, workers ...types.WorkerConfig) (Deps, *pool.Pool, *history.History) {
	t.Helper()
	p := pool.New()
	for _, w := range workers {
		require.NoError(t, p.Add(w, testCBConfig()))
	}
	h := history.New(10)
	sel := selector.New(p, admission.New(admission.DefaultConfig()), estimator.New(estimator.DefaultFloorGB), h, events.NewBroker(), nil)

	return Deps{
		Pool:     p,
		Selector: sel,
		History:  h,
		PressurePolicy: pressure.Policy{
			WarningFreeGB:    20,
			CriticalFreeGB:   5,
			WarningRatio:     0.15,
			CriticalRatio:    0.05,
			WarningIOUtilPct: 90,
			FreshnessSecs:    60,
		},
		SelectionConfig: types.DefaultSelectionConfig(),
		Budget:          time.Second,
	}, p, h
}

func healthyWorker(id string, slots, priority int) types.WorkerConfig {
	return types.WorkerConfig{ID: id, TotalSlots: slots, Priority: priority, Tags: map[string]string{}}
}

func float64p(f float64) *float64 { return &f }
func int64p(i int64) *int64       { return &i }

func TestHandleHealthReportsWorkers(t *testing.T) {
	deps, _, _ := newTestDeps(t, healthyWorker("w1", 2, 1))
	s := New(deps)

	resp := s.handleHealth()
	require.True(t, resp.OK)
	require.NotNil(t, resp.Status)
	require.Len(t, resp.Status.Workers, 1)
	assert.Equal(t, "w1", resp.Status.Workers[0].ID)
	assert.Equal(t, string(types.WorkerStatusHealthy), resp.Status.Workers[0].Status)
}

func TestHandleClassifyNonCompilation(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	s := New(deps)

	resp := s.handleClassify(Request{Command: "git status"})
	assert.True(t, resp.OK)
	assert.Equal(t, string(types.KindNonCompilation), resp.Kind)
}

func TestHandleClassifyCompilation(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	s := New(deps)

	resp := s.handleClassify(Request{Command: "cargo build --release"})
	assert.True(t, resp.OK)
	assert.Equal(t, string(types.KindCompilation), resp.Kind)
	assert.Equal(t, "cargo", resp.Toolchain)
}

func TestHandleSelectAndRunLocalWhenNotCompilation(t *testing.T) {
	deps, _, _ := newTestDeps(t, healthyWorker("w1", 2, 1))
	s := New(deps)

	resp := s.handleSelectAndRun(context.Background(), Request{Project: "p1", Command: "ls -la"})
	assert.True(t, resp.OK)
	assert.Equal(t, DecisionLocal, resp.Decision)
	assert.Equal(t, "not_compilation", resp.Reason)
}

func TestHandleSelectAndRunLocalOnEmptyPool(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	s := New(deps)

	resp := s.handleSelectAndRun(context.Background(), Request{Project: "p1", Command: "cargo build"})
	assert.True(t, resp.OK)
	assert.Equal(t, DecisionLocal, resp.Decision)
	assert.Equal(t, "no_admitted_candidates", resp.Reason)
}

func TestHandleSelectAndRunRemoteRecordsActiveBuild(t *testing.T) {
	deps, _, h := newTestDeps(t, healthyWorker("w1", 2, 1))
	s := New(deps)

	resp := s.handleSelectAndRun(context.Background(), Request{
		Project: "p1",
		Command: "cargo build",
		HookPID: 4242,
	})
	require.True(t, resp.OK)
	assert.Equal(t, DecisionRemote, resp.Decision)
	assert.Equal(t, "w1", resp.Worker)
	require.NotNil(t, resp.BuildID)

	active, ok := h.ActiveBuild(*resp.BuildID)
	require.True(t, ok)
	assert.Equal(t, "w1", active.WorkerID)
	assert.Equal(t, 4242, active.PID)
}

func TestHandleAdminUnrecognizedAction(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	s := New(deps)

	resp := s.handleAdmin(Request{AdminAction: "something_else"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unrecognized admin action")
}

func TestHandleAdminDrainWorkerBlockedDuringActiveBuild(t *testing.T) {
	deps, _, h := newTestDeps(t, healthyWorker("w1", 2, 1))
	s := New(deps)
	h.StartActiveBuild(h.NextID(), "p1", "w1", "cargo build", 1, 1, types.BuildRemote)

	resp := s.handleAdmin(Request{AdminAction: AdminDrainWorker, WorkerID: "w1"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "active build")
}

func TestHandleAdminDrainWorkerSucceedsWhenIdle(t *testing.T) {
	deps, p, _ := newTestDeps(t, healthyWorker("w1", 2, 1))
	s := New(deps)

	resp := s.handleAdmin(Request{AdminAction: AdminDrainWorker, WorkerID: "w1"})
	require.True(t, resp.OK)

	w, ok := p.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStatusDraining, w.Status())
}

func TestHandleAdminReportTelemetryUpdatesPressure(t *testing.T) {
	deps, p, _ := newTestDeps(t, healthyWorker("w1", 2, 1))
	s := New(deps)

	resp := s.handleAdmin(Request{
		AdminAction: AdminReportTelemetry,
		WorkerID:    "w1",
		Telemetry: &TelemetryPush{
			DiskFreeGB:       float64p(2),
			DiskTotalGB:      float64p(100),
			TelemetryAgeSecs: int64p(1),
		},
	})
	require.True(t, resp.OK)

	w, ok := p.Get("w1")
	require.True(t, ok)
	assessment, known := w.PressureAssessment()
	require.True(t, known)
	assert.Equal(t, types.PressureCritical, assessment.State)
}

func TestDispatchUnrecognizedRequestType(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	s := New(deps)

	resp := s.dispatch(Request{Type: "bogus"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unrecognized request type")
}

func TestFrameRoundTripOverUnixSocket(t *testing.T) {
	deps, _, _ := newTestDeps(t, healthyWorker("w1", 2, 1))
	s := New(deps)

	sockPath := filepath.Join(t.TempDir(), "rchd.sock")
	require.NoError(t, s.Start(sockPath))
	defer s.Stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteRequest(conn, Request{Type: RequestClassify, Command: "go build ./..."}))

	resp, err := ReadResponse(conn)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, string(types.KindCompilation), resp.Kind)
}

func TestFrameRoundTripMultipleRequestsOnOneConnection(t *testing.T) {
	deps, _, _ := newTestDeps(t, healthyWorker("w1", 2, 1))
	s := New(deps)

	sockPath := filepath.Join(t.TempDir(), "rchd.sock")
	require.NoError(t, s.Start(sockPath))
	defer s.Stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	for _, cmd := range []string{"git status", "cargo build", "npm run build"} {
		require.NoError(t, WriteRequest(conn, Request{Type: RequestClassify, Command: cmd}))

		resp, err := ReadResponse(conn)
		require.NoError(t, err)
		assert.True(t, resp.OK, "command %q should classify without error", cmd)
	}
}
