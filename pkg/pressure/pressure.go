// Package pressure classifies raw disk-telemetry snapshots into a
// PressureAssessment, with no hidden state and no I/O.
package pressure

import (
	"time"

	"github.com/rchdaemon/rchd/pkg/types"
)

// Telemetry is the raw signal snapshot reported for one worker at one
// point in time. Every field is optional: a telemetry collector may omit
// any of them, and a nil field degrades confidence rather than failing
// classification.
type Telemetry struct {
	DiskFreeGB       *float64
	DiskTotalGB      *float64
	DiskIOUtilPct    *float64
	MemoryPressure   *bool
	TelemetryAgeSecs *int64
}

// Policy holds the thresholds the classifier evaluates against.
type Policy struct {
	WarningFreeGB    float64
	CriticalFreeGB   float64
	WarningRatio     float64
	CriticalRatio    float64
	WarningIOUtilPct float64
	FreshnessSecs    int64
}

// Classify maps a telemetry snapshot to a PressureAssessment under the
// given policy. Rules are evaluated in order; the first match wins:
//
//  1. telemetry missing or older than the freshness window -> TelemetryGap
//  2. free_gb < critical_gb or free_ratio < critical_ratio -> Critical
//  3. free_gb < warning_gb or free_ratio < warning_ratio or io_util > warning_util -> Warning
//  4. otherwise -> Healthy
func Classify(t Telemetry, p Policy) types.PressureAssessment {
	now := time.Now().UTC()

	fresh := t.TelemetryAgeSecs != nil && *t.TelemetryAgeSecs <= p.FreshnessSecs
	if t.DiskFreeGB == nil || !fresh {
		return types.PressureAssessment{
			State:            types.PressureTelemetryGap,
			Confidence:       confidence(t),
			ReasonCode:       "telemetry_missing_or_stale",
			PolicyRule:       "freshness_window",
			DiskFreeGB:       t.DiskFreeGB,
			DiskTotalGB:      t.DiskTotalGB,
			DiskFreeRatio:    freeRatio(t),
			DiskIOUtilPct:    t.DiskIOUtilPct,
			MemoryPressure:   t.MemoryPressure,
			TelemetryAgeSecs: t.TelemetryAgeSecs,
			TelemetryFresh:   false,
			EvaluatedAt:      now,
		}
	}

	ratio := freeRatio(t)

	if *t.DiskFreeGB < p.CriticalFreeGB || (ratio != nil && *ratio < p.CriticalRatio) {
		return assessment(types.PressureCritical, confidence(t), "below_critical_threshold", "critical_free_gb_or_ratio", t, ratio, now)
	}

	if *t.DiskFreeGB < p.WarningFreeGB ||
		(ratio != nil && *ratio < p.WarningRatio) ||
		(t.DiskIOUtilPct != nil && *t.DiskIOUtilPct > p.WarningIOUtilPct) {
		return assessment(types.PressureWarning, confidence(t), "below_warning_threshold", "warning_free_gb_ratio_or_io", t, ratio, now)
	}

	return assessment(types.PressureHealthy, confidence(t), "within_policy", "healthy", t, ratio, now)
}

func assessment(state types.PressureState, conf types.PressureConfidence, reason, rule string, t Telemetry, ratio *float64, now time.Time) types.PressureAssessment {
	return types.PressureAssessment{
		State:            state,
		Confidence:       conf,
		ReasonCode:       reason,
		PolicyRule:       rule,
		DiskFreeGB:       t.DiskFreeGB,
		DiskTotalGB:      t.DiskTotalGB,
		DiskFreeRatio:    ratio,
		DiskIOUtilPct:    t.DiskIOUtilPct,
		MemoryPressure:   t.MemoryPressure,
		TelemetryAgeSecs: t.TelemetryAgeSecs,
		TelemetryFresh:   true,
		EvaluatedAt:      now,
	}
}

func freeRatio(t Telemetry) *float64 {
	if t.DiskFreeGB == nil || t.DiskTotalGB == nil || *t.DiskTotalGB <= 0 {
		return nil
	}
	r := *t.DiskFreeGB / *t.DiskTotalGB
	return &r
}

// confidence is High when every optional signal is present, Medium when
// exactly one is missing, Low when more than one is missing.
func confidence(t Telemetry) types.PressureConfidence {
	missing := 0
	if t.DiskFreeGB == nil {
		missing++
	}
	if t.DiskTotalGB == nil {
		missing++
	}
	if t.DiskIOUtilPct == nil {
		missing++
	}
	if t.MemoryPressure == nil {
		missing++
	}
	if t.TelemetryAgeSecs == nil {
		missing++
	}

	switch {
	case missing == 0:
		return types.ConfidenceHigh
	case missing == 1:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}
