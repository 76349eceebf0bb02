// Package health runs the periodic per-worker liveness probe: a
// fixed-interval SSH echo round-trip that drives each worker's
// circuit breaker and externally-visible status. It never classifies
// disk pressure — that arrives separately from telemetry the socket
// API receives and feeds into the pool.
package health
