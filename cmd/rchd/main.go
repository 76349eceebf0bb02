package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rchdaemon/rchd/pkg/admission"
	"github.com/rchdaemon/rchd/pkg/config"
	"github.com/rchdaemon/rchd/pkg/convergence"
	"github.com/rchdaemon/rchd/pkg/estimator"
	"github.com/rchdaemon/rchd/pkg/events"
	"github.com/rchdaemon/rchd/pkg/health"
	"github.com/rchdaemon/rchd/pkg/history"
	"github.com/rchdaemon/rchd/pkg/log"
	"github.com/rchdaemon/rchd/pkg/pool"
	"github.com/rchdaemon/rchd/pkg/pressure"
	"github.com/rchdaemon/rchd/pkg/selector"
	"github.com/rchdaemon/rchd/pkg/socketapi"
	"github.com/rchdaemon/rchd/pkg/transport"
	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rchd",
	Short: "rchd - remote compilation orchestrator daemon",
	Long: `rchd intercepts local build invocations, classifies them, and
routes eligible compilation commands to a fleet of SSH workers based on
live circuit health, disk pressure, and repo convergence state, falling
back to local execution whenever a remote route can't be produced
within budget.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rchd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd, statusCmd, drainCmd, configCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, errs := config.Load()
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		return fmt.Errorf("%d configuration error(s)", len(errs))
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel.Value),
		JSONOutput: cfg.LogJSON.Value,
	})
	logger := log.WithComponent("main")

	workerCfgs, warnings, err := config.LoadWorkerConfigs(cfg.WorkerConfigFile.Value)
	if err != nil {
		return fmt.Errorf("loading worker fleet: %w", err)
	}
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	p := pool.New()
	cbCfg := pool.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold.Value,
		SuccessThreshold: cfg.CircuitSuccessThreshold.Value,
		ProbeBudget:      cfg.CircuitHalfOpenBudget.Value,
		Cooldown:         cfg.CircuitCooldown(),
	}
	for _, w := range workerCfgs {
		if err := p.Add(w, cbCfg); err != nil {
			return fmt.Errorf("registering worker %s: %w", w.ID, err)
		}
	}
	logger.Info().Int("worker_count", p.Len()).Msg("fleet loaded")

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	hist, err := history.LoadFromFile(cfg.HistoryFile.Value, cfg.HistoryCapacity.Value)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading build history: %w", err)
		}
		hist = history.New(cfg.HistoryCapacity.Value).WithPersistence(cfg.HistoryFile.Value)
	}

	est := estimator.New(cfg.HeadroomFloorGB.Value)

	admCfg := admission.DefaultConfig()
	admCfg.MinHeadroomScore = cfg.MinHeadroomScore.Value
	admCfg.RecoverCount = cfg.HysteresisRecoverCount.Value
	admCfg.Cooldown = time.Duration(cfg.HysteresisCooldownSecs.Value) * time.Second
	gate := admission.New(admCfg)

	conv := convergence.New(bus)

	sel := selector.New(p, gate, est, hist, bus, conv)

	dial := dialerFor(cfg.Transport.Value)
	monitor := health.NewMonitor(p, health.MonitorConfig{
		CheckInterval:       cfg.HealthInterval(),
		CheckTimeout:        cfg.HealthTimeout(),
		DegradedThresholdMS: int64(cfg.DegradedLatencyMS.Value),
	}, dial, bus)
	monitor.Start()
	defer monitor.Stop()

	pressurePolicy := pressure.Policy{
		WarningFreeGB:    cfg.PressureWarningFreeGB.Value,
		CriticalFreeGB:   cfg.PressureCriticalFreeGB.Value,
		WarningRatio:     cfg.PressureWarningRatio.Value,
		CriticalRatio:    cfg.PressureCriticalRatio.Value,
		WarningIOUtilPct: cfg.PressureWarningIOUtil.Value,
		FreshnessSecs:    cfg.TelemetryFreshnessSecs.Value,
	}

	api := socketapi.New(socketapi.Deps{
		Pool:            p,
		Selector:        sel,
		History:         hist,
		PressurePolicy:  pressurePolicy,
		SelectionConfig: types.DefaultSelectionConfig(),
		Budget:          cfg.SelectionBudget(),
		ReloadConfig:    config.Load,
	})
	if err := api.Start(cfg.SocketPath.Value); err != nil {
		return fmt.Errorf("starting socket api: %w", err)
	}
	defer api.Stop()

	logger.Info().Str("socket", cfg.SocketPath.Value).Msg("rchd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	return nil
}

// dialerFor returns the health monitor's worker dialer for the
// configured transport. "mock" stands in for environments without a
// real SSH fleet (local development, CI); "ssh" is the only transport
// that reaches an actual worker.
func dialerFor(kind string) health.Dialer {
	switch strings.ToLower(kind) {
	case "ssh":
		return func() transport.Transport { return transport.NewSSHTransport() }
	default:
		return func() transport.Transport { return transport.NewMockTransport() }
	}
}

// expandSocketPath resolves a leading "~/" in the CLI's --socket flag.
// config.Load's own Path parser already does this for the daemon's own
// SOCKET_PATH, so this only matters for the plain cobra flag below.
func expandSocketPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + path[1:]
		}
	}
	return path
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print fleet and build-history status from the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientRoundTrip(cmd, socketapi.Request{Type: socketapi.RequestStatus})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain <worker-id>",
	Short: "Drain a worker once it has no active builds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientRoundTrip(cmd, socketapi.Request{
			Type:        socketapi.RequestAdmin,
			AdminAction: socketapi.AdminDrainWorker,
			WorkerID:    args[0],
		})
	},
}

func init() {
	statusCmd.Flags().String("socket", "~/.rchd/rchd.sock", "Path to the daemon's control socket")
	drainCmd.Flags().String("socket", "~/.rchd/rchd.sock", "Path to the daemon's control socket")
}

func clientRoundTrip(cmd *cobra.Command, req socketapi.Request) error {
	socketPath, _ := cmd.Flags().GetString("socket")
	conn, err := net.DialTimeout("unix", expandSocketPath(socketPath), 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := socketapi.WriteRequest(conn, req); err != nil {
		return err
	}
	resp, err := socketapi.ReadResponse(conn)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("daemon rejected request: %s", resp.Error)
	}

	printResponse(resp)
	return nil
}

func printResponse(resp socketapi.Response) {
	if resp.Status != nil {
		fmt.Printf("builds: %d total, %d remote, %d local\n",
			resp.Status.BuildStats.TotalBuilds, resp.Status.BuildStats.RemoteCount, resp.Status.BuildStats.LocalCount)
		for _, w := range resp.Status.Workers {
			fmt.Printf("  %-16s status=%-12s circuit=%-10s slots=%d/%d\n",
				w.ID, w.Status, w.CircuitState, w.UsedSlots, w.UsedSlots+w.AvailableSlots)
		}
		return
	}
	if resp.Decision != "" {
		fmt.Printf("decision=%s worker=%s reason=%s\n", resp.Decision, resp.Worker, resp.Reason)
		return
	}
	fmt.Println("ok")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the daemon's configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every configuration value and where it came from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, errs := config.Load()
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}

		printSourced("LOG_LEVEL", cfg.LogLevel)
		printSourced("LOG_JSON", cfg.LogJSON)
		printSourced("SOCKET_PATH", cfg.SocketPath)
		printSourced("TRANSPORT", cfg.Transport)
		printSourced("HISTORY_CAPACITY", cfg.HistoryCapacity)
		printSourced("HISTORY_FILE", cfg.HistoryFile)
		printSourced("EVENT_LOG_FILE", cfg.EventLogFile)
		printSourced("HEALTH_CHECK_INTERVAL_SECS", cfg.HealthCheckInterval)
		printSourced("HEALTH_CHECK_TIMEOUT_SECS", cfg.HealthCheckTimeout)
		printSourced("DEGRADED_LATENCY_MS", cfg.DegradedLatencyMS)
		printSourced("CIRCUIT_FAILURE_THRESHOLD", cfg.CircuitFailureThreshold)
		printSourced("CIRCUIT_SUCCESS_THRESHOLD", cfg.CircuitSuccessThreshold)
		printSourced("CIRCUIT_COOLDOWN_SECS", cfg.CircuitCooldownSecs)
		printSourced("CIRCUIT_HALF_OPEN_BUDGET", cfg.CircuitHalfOpenBudget)
		printSourced("PRESSURE_WARNING_FREE_GB", cfg.PressureWarningFreeGB)
		printSourced("PRESSURE_CRITICAL_FREE_GB", cfg.PressureCriticalFreeGB)
		printSourced("PRESSURE_WARNING_RATIO", cfg.PressureWarningRatio)
		printSourced("PRESSURE_CRITICAL_RATIO", cfg.PressureCriticalRatio)
		printSourced("PRESSURE_WARNING_IO_UTIL_PCT", cfg.PressureWarningIOUtil)
		printSourced("TELEMETRY_FRESHNESS_SECS", cfg.TelemetryFreshnessSecs)
		printSourced("HEADROOM_FLOOR_GB", cfg.HeadroomFloorGB)
		printSourced("MIN_HEADROOM_SCORE", cfg.MinHeadroomScore)
		printSourced("HYSTERESIS_RECOVER_COUNT", cfg.HysteresisRecoverCount)
		printSourced("HYSTERESIS_COOLDOWN_SECS", cfg.HysteresisCooldownSecs)
		printSourced("WORKER_CONFIG_FILE", cfg.WorkerConfigFile)
		printSourced("SELECTION_BUDGET_MS", cfg.SelectionBudgetMS)

		if len(errs) > 0 {
			return fmt.Errorf("%d configuration error(s)", len(errs))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func printSourced[T any](name string, s config.Sourced[T]) {
	fmt.Printf("%-30s %-12v source=%-12s\n", name, s.Value, s.Source)
}
