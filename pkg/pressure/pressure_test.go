package pressure

import (
	"testing"

	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrF(v float64) *float64 { return &v }
func ptrI(v int64) *int64     { return &v }
func ptrB(v bool) *bool       { return &v }

func defaultPolicy() Policy {
	return Policy{
		WarningFreeGB:    20.0,
		CriticalFreeGB:   5.0,
		WarningRatio:     0.15,
		CriticalRatio:    0.05,
		WarningIOUtilPct: 90.0,
		FreshnessSecs:    60,
	}
}

func TestClassifyTelemetryGapOnMissingFreeGB(t *testing.T) {
	got := Classify(Telemetry{TelemetryAgeSecs: ptrI(5)}, defaultPolicy())
	assert.Equal(t, types.PressureTelemetryGap, got.State)
	assert.False(t, got.TelemetryFresh)
}

func TestClassifyTelemetryGapOnStaleAge(t *testing.T) {
	got := Classify(Telemetry{
		DiskFreeGB:       ptrF(100),
		DiskTotalGB:      ptrF(500),
		TelemetryAgeSecs: ptrI(500),
	}, defaultPolicy())
	assert.Equal(t, types.PressureTelemetryGap, got.State)
}

func TestClassifyCriticalOnFreeGB(t *testing.T) {
	got := Classify(Telemetry{
		DiskFreeGB:       ptrF(2),
		DiskTotalGB:      ptrF(500),
		TelemetryAgeSecs: ptrI(1),
	}, defaultPolicy())
	assert.Equal(t, types.PressureCritical, got.State)
	assert.Equal(t, "critical_free_gb_or_ratio", got.PolicyRule)
}

func TestClassifyCriticalOnRatio(t *testing.T) {
	got := Classify(Telemetry{
		DiskFreeGB:       ptrF(10),
		DiskTotalGB:      ptrF(1000), // ratio 0.01 < 0.05
		TelemetryAgeSecs: ptrI(1),
	}, defaultPolicy())
	assert.Equal(t, types.PressureCritical, got.State)
}

func TestClassifyWarningOnFreeGB(t *testing.T) {
	got := Classify(Telemetry{
		DiskFreeGB:       ptrF(15),
		DiskTotalGB:      ptrF(100),
		TelemetryAgeSecs: ptrI(1),
	}, defaultPolicy())
	assert.Equal(t, types.PressureWarning, got.State)
}

func TestClassifyWarningOnIOUtil(t *testing.T) {
	got := Classify(Telemetry{
		DiskFreeGB:       ptrF(100),
		DiskTotalGB:      ptrF(500),
		DiskIOUtilPct:    ptrF(95),
		TelemetryAgeSecs: ptrI(1),
	}, defaultPolicy())
	assert.Equal(t, types.PressureWarning, got.State)
}

func TestClassifyHealthy(t *testing.T) {
	got := Classify(Telemetry{
		DiskFreeGB:       ptrF(200),
		DiskTotalGB:      ptrF(1000),
		DiskIOUtilPct:    ptrF(10),
		MemoryPressure:   ptrB(false),
		TelemetryAgeSecs: ptrI(1),
	}, defaultPolicy())
	assert.Equal(t, types.PressureHealthy, got.State)
	assert.Equal(t, types.ConfidenceHigh, got.Confidence)
}

func TestClassifyConfidenceDegradesWithMissingSignals(t *testing.T) {
	oneMissing := Classify(Telemetry{
		DiskFreeGB:       ptrF(200),
		DiskTotalGB:      ptrF(1000),
		DiskIOUtilPct:    ptrF(10),
		TelemetryAgeSecs: ptrI(1),
	}, defaultPolicy())
	assert.Equal(t, types.ConfidenceMedium, oneMissing.Confidence)

	twoMissing := Classify(Telemetry{
		DiskFreeGB:       ptrF(200),
		DiskTotalGB:      ptrF(1000),
		TelemetryAgeSecs: ptrI(1),
	}, defaultPolicy())
	assert.Equal(t, types.ConfidenceLow, twoMissing.Confidence)
}

func TestClassifyRuleOrderCriticalBeatsWarning(t *testing.T) {
	// Would trip warning IO util too, but critical free_gb must win.
	got := Classify(Telemetry{
		DiskFreeGB:       ptrF(1),
		DiskTotalGB:      ptrF(1000),
		DiskIOUtilPct:    ptrF(99),
		TelemetryAgeSecs: ptrI(1),
	}, defaultPolicy())
	require.Equal(t, types.PressureCritical, got.State)
}
