package config

import "time"

// DaemonConfig is the full set of tunables the daemon reads from the
// environment at startup or on an explicit reload. Every field is
// provenance-tagged so a reload can tell which values were actually
// supplied by the operator.
type DaemonConfig struct {
	LogLevel   Sourced[string]
	LogJSON    Sourced[bool]
	SocketPath Sourced[string]
	Transport  Sourced[string] // "mock" | "ssh"

	HistoryCapacity   Sourced[int]
	HistoryFile       Sourced[string]
	EventLogFile      Sourced[string]

	HealthCheckInterval Sourced[int] // seconds
	HealthCheckTimeout  Sourced[int] // seconds
	DegradedLatencyMS   Sourced[int]

	CircuitFailureThreshold Sourced[int]
	CircuitSuccessThreshold Sourced[int]
	CircuitCooldownSecs     Sourced[int]
	CircuitHalfOpenBudget   Sourced[int]

	PressureWarningFreeGB   Sourced[float64]
	PressureCriticalFreeGB  Sourced[float64]
	PressureWarningRatio    Sourced[float64]
	PressureCriticalRatio   Sourced[float64]
	PressureWarningIOUtil   Sourced[float64]
	TelemetryFreshnessSecs  Sourced[int]

	HeadroomFloorGB    Sourced[float64]
	MinHeadroomScore   Sourced[float64]

	HysteresisRecoverCount  Sourced[int]
	HysteresisCooldownSecs  Sourced[int]

	WorkerConfigFile Sourced[string]

	SelectionBudgetMS Sourced[int]
}

// Load parses every daemon setting from the environment, collecting all
// errors before returning them so a misconfiguration is reported
// atomically rather than one variable at a time.
func Load() (DaemonConfig, []error) {
	p := NewParser()

	cfg := DaemonConfig{
		LogLevel:   p.LogLevel("LOG_LEVEL", "info"),
		LogJSON:    p.Bool("LOG_JSON", true),
		SocketPath: p.Path("SOCKET_PATH", defaultSocketPath(), false),
		Transport:  p.String("TRANSPORT", "mock"),

		HistoryCapacity: p.IntRange("HISTORY_CAPACITY", 100, 1, 100000),
		HistoryFile:     p.Path("HISTORY_FILE", "~/.rchd/history.jsonl", false),
		EventLogFile:    p.Path("EVENT_LOG_FILE", "~/.rchd/events.jsonl", false),

		HealthCheckInterval: p.IntRange("HEALTH_CHECK_INTERVAL_SECS", 30, 1, 3600),
		HealthCheckTimeout:  p.IntRange("HEALTH_CHECK_TIMEOUT_SECS", 10, 1, 600),
		DegradedLatencyMS:   p.IntRange("DEGRADED_LATENCY_MS", 500, 1, 600000),

		CircuitFailureThreshold: p.IntRange("CIRCUIT_FAILURE_THRESHOLD", 3, 1, 1000),
		CircuitSuccessThreshold: p.IntRange("CIRCUIT_SUCCESS_THRESHOLD", 2, 1, 1000),
		CircuitCooldownSecs:     p.IntRange("CIRCUIT_COOLDOWN_SECS", 30, 1, 86400),
		CircuitHalfOpenBudget:   p.IntRange("CIRCUIT_HALF_OPEN_BUDGET", 1, 1, 100),

		PressureWarningFreeGB:  p.FloatRange("PRESSURE_WARNING_FREE_GB", 20.0, 0, 1e9),
		PressureCriticalFreeGB: p.FloatRange("PRESSURE_CRITICAL_FREE_GB", 5.0, 0, 1e9),
		PressureWarningRatio:   p.FloatRange("PRESSURE_WARNING_RATIO", 0.15, 0, 1),
		PressureCriticalRatio:  p.FloatRange("PRESSURE_CRITICAL_RATIO", 0.05, 0, 1),
		PressureWarningIOUtil:  p.FloatRange("PRESSURE_WARNING_IO_UTIL_PCT", 90.0, 0, 100),
		TelemetryFreshnessSecs: p.IntRange("TELEMETRY_FRESHNESS_SECS", 60, 1, 86400),

		HeadroomFloorGB:  p.FloatRange("HEADROOM_FLOOR_GB", 10.0, 0, 1e9),
		MinHeadroomScore: p.FloatRange("MIN_HEADROOM_SCORE", 0.1, 0, 1),

		HysteresisRecoverCount: p.IntRange("HYSTERESIS_RECOVER_COUNT", 3, 1, 1000),
		HysteresisCooldownSecs: p.IntRange("HYSTERESIS_COOLDOWN_SECS", 15, 0, 86400),

		WorkerConfigFile: p.Path("WORKER_CONFIG_FILE", "~/.rchd/workers.yaml", false),

		SelectionBudgetMS: p.IntRange("SELECTION_BUDGET_MS", 250, 1, 60000),
	}

	return cfg, p.Errors()
}

func defaultSocketPath() string {
	return "~/.rchd/rchd.sock"
}

// HealthInterval returns the health-check interval as a time.Duration.
func (c DaemonConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthCheckInterval.Value) * time.Second
}

// HealthTimeout returns the per-probe timeout as a time.Duration.
func (c DaemonConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeout.Value) * time.Second
}

// CircuitCooldown returns the open→half-open cooldown as a time.Duration.
func (c DaemonConfig) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownSecs.Value) * time.Second
}

// SelectionBudget returns the selection-round wall-clock budget.
func (c DaemonConfig) SelectionBudget() time.Duration {
	return time.Duration(c.SelectionBudgetMS.Value) * time.Millisecond
}
