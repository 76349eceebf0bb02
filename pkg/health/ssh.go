package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rchdaemon/rchd/pkg/transport"
)

// probeCommand is the liveness probe run on every worker. A plain echo
// round-trip is enough to prove the transport is alive and measure
// latency; it deliberately carries no payload that could vary in size.
const probeCommand = "echo rchd_probe"

// SSHChecker performs a liveness probe over an already-connected
// Transport. It does not own the connection lifecycle; the monitor
// connects once per worker and reuses the same Transport across probes.
type SSHChecker struct {
	tr transport.Transport
}

// NewSSHChecker wraps an existing, connected Transport.
func NewSSHChecker(tr transport.Transport) *SSHChecker {
	return &SSHChecker{tr: tr}
}

// Check runs the probe command and reports success, failure, and
// latency.
func (c *SSHChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res, err := c.tr.Execute(ctx, probeCommand)
	duration := time.Since(start)

	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe failed: %v", err),
			CheckedAt: start,
			Duration:  duration,
		}
	}
	if res.ExitCode != 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe exited %d", res.ExitCode),
			CheckedAt: start,
			Duration:  duration,
		}
	}

	return Result{
		Healthy:   true,
		Message:   "probe ok",
		CheckedAt: start,
		Duration:  duration,
	}
}

// Type returns CheckTypeSSH.
func (c *SSHChecker) Type() CheckType {
	return CheckTypeSSH
}
