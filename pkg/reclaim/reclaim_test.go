package reclaim

import (
	"testing"

	"github.com/rchdaemon/rchd/pkg/history"
	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestCheckSafetyGateBlockedDuringActiveBuild(t *testing.T) {
	h := history.New(10)
	h.StartActiveBuild(h.NextID(), "proj-a", "w1", "cargo build", 12345, 1, types.BuildRemote)

	result := CheckSafetyGate("w1", h)
	assert.False(t, result.Permitted, "expected safety gate to block reclaim during active build")
	assert.Len(t, result.ActiveBuildIDs, 1)
}

func TestCheckSafetyGateAllowedWhenNoActiveBuilds(t *testing.T) {
	h := history.New(10)
	result := CheckSafetyGate("w1", h)
	assert.True(t, result.Permitted, "expected safety gate to be clear")
	assert.Empty(t, result.ActiveBuildIDs)
}

func TestCheckSafetyGateAllowedOnDifferentWorker(t *testing.T) {
	h := history.New(10)
	h.StartActiveBuild(h.NextID(), "proj-a", "w2", "cargo build", 12345, 1, types.BuildRemote)

	result := CheckSafetyGate("w1", h)
	assert.True(t, result.Permitted, "expected safety gate clear on different worker")
}

func TestCheckSafetyGateReportsMultipleActiveBuilds(t *testing.T) {
	h := history.New(10)
	h.StartActiveBuild(h.NextID(), "proj-a", "w1", "cargo build", 1, 1, types.BuildRemote)
	h.StartActiveBuild(h.NextID(), "proj-b", "w1", "go build", 2, 1, types.BuildRemote)

	result := CheckSafetyGate("w1", h)
	assert.False(t, result.Permitted)
	assert.Len(t, result.ActiveBuildIDs, 2)
}

func TestCheckSafetyGateAllowedAfterBuildCompletes(t *testing.T) {
	h := history.New(10)
	id := h.NextID()
	h.StartActiveBuild(id, "proj-a", "w1", "cargo build", 1, 1, types.BuildRemote)
	_, err := h.CompleteActiveBuild(id, 0, nil, nil)
	assert := assert.New(t)
	assert.NoError(err)

	result := CheckSafetyGate("w1", h)
	assert.True(result.Permitted)
}
