package health

import (
	"context"
	"sync"
	"time"

	"github.com/rchdaemon/rchd/pkg/circuit"
	"github.com/rchdaemon/rchd/pkg/events"
	"github.com/rchdaemon/rchd/pkg/log"
	"github.com/rchdaemon/rchd/pkg/metrics"
	"github.com/rchdaemon/rchd/pkg/pool"
	"github.com/rchdaemon/rchd/pkg/transport"
	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/rs/zerolog"
)

// MonitorConfig holds the monitor's tunables.
type MonitorConfig struct {
	CheckInterval        time.Duration
	CheckTimeout         time.Duration
	DegradedThresholdMS  int64
}

// DefaultMonitorConfig returns the daemon's standard probe tunables.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:       30 * time.Second,
		CheckTimeout:        10 * time.Second,
		DegradedThresholdMS: 500,
	}
}

// Dialer connects a fresh Transport to a worker; the monitor owns the
// resulting Transport's lifetime and reconnects through the same
// Dialer after a probe failure. Production wiring passes a function
// that returns a *transport.SSHTransport; tests pass one returning a
// pre-scripted *transport.MockTransport.
type Dialer func() transport.Transport

// Monitor probes every pool worker on a fixed interval and drives each
// worker's circuit breaker and externally-visible status from the
// result. It never classifies disk pressure itself — that is fed into
// the pool separately from telemetry the core receives over its
// socket API.
type Monitor struct {
	pool   *pool.Pool
	cfg    MonitorConfig
	dial   Dialer
	bus    *events.Broker
	logger zerolog.Logger

	mu          sync.Mutex
	transports  map[string]transport.Transport
	stopCh      chan struct{}
	stoppedOnce sync.Once
}

// NewMonitor creates a Monitor. dial is called once per worker (and
// again after any probe failure) to obtain a fresh Transport.
func NewMonitor(p *pool.Pool, cfg MonitorConfig, dial Dialer, bus *events.Broker) *Monitor {
	return &Monitor{
		pool:       p,
		cfg:        cfg,
		dial:       dial,
		bus:        bus,
		logger:     log.WithComponent("health_monitor"),
		transports: make(map[string]transport.Transport),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the monitor loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stoppedOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.probeAll()
	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.stopCh:
			return
		}
	}
}

// probeAll probes every worker currently in the pool concurrently. The
// monitor probes all workers, including Unreachable ones, so a worker
// can recover through the HalfOpen probe path.
func (m *Monitor) probeAll() {
	workers := m.pool.AllWorkers()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *pool.Worker) {
			defer wg.Done()
			m.probeOne(w)
		}(w)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(w *pool.Worker) {
	now := time.Now()
	allowed, transitioned, before, after := w.Circuit().TryAcquireProbe(now)
	if transitioned {
		m.publishTransition(w.ID(), before, after)
	}
	if !allowed {
		return
	}

	tr := m.transportFor(w)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
	defer cancel()

	result := NewSSHChecker(tr).Check(ctx)
	w.SetLastLatency(result.Duration)

	reportTransitioned, from, to := w.Circuit().Report(result.Healthy, time.Now())
	if reportTransitioned {
		m.publishTransition(w.ID(), from, to)
	}

	if !result.Healthy {
		m.resetTransport(w.ID())
	}

	degraded := result.Healthy && result.Duration > time.Duration(m.cfg.DegradedThresholdMS)*time.Millisecond
	newStatus := circuit.VisibleStatus(w.Circuit().State(), degraded)
	if prev := w.Status(); prev != newStatus {
		w.SetStatus(newStatus)
		m.publish(events.EventWorkerStatusChanged, w.ID(), string(prev), string(newStatus))
	}

	m.publish(events.EventHealthProbe, w.ID(), "", result.Message)
}

func (m *Monitor) transportFor(w *pool.Worker) transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tr, ok := m.transports[w.ID()]; ok {
		return tr
	}

	tr := m.dial()
	cfg := w.Config()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
	defer cancel()
	if err := tr.Connect(ctx, transport.Target{Host: cfg.Host, User: cfg.User, IdentityFile: cfg.IdentityFile}); err != nil {
		m.logger.Warn().Err(err).Str("worker_id", w.ID()).Msg("health probe connect failed")
	}
	m.transports[w.ID()] = tr
	return tr
}

func (m *Monitor) resetTransport(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.transports[workerID]; ok {
		_ = tr.Disconnect()
		delete(m.transports, workerID)
	}
}

func (m *Monitor) publishTransition(workerID string, from, to types.CircuitState) {
	metrics.CircuitTransitionsTotal.WithLabelValues(workerID, string(from), string(to)).Inc()
	if m.bus == nil {
		return
	}
	m.bus.Publish(&events.Event{
		Type:     events.EventCircuitTransition,
		WorkerID: workerID,
		Metadata: map[string]string{"from": string(from), "to": string(to)},
	})
}

func (m *Monitor) publish(t events.EventType, workerID, extra, message string) {
	if m.bus == nil {
		return
	}
	meta := map[string]string{}
	if extra != "" {
		meta["previous_status"] = extra
	}
	m.bus.Publish(&events.Event{
		Type:     t,
		WorkerID: workerID,
		Message:  message,
		Metadata: meta,
	})
}
