/*
Package log provides structured logging for rchd using zerolog.

A single global logger is initialized once via Init and is safe for
concurrent use across all daemon subsystems. Component loggers are
derived with WithComponent, and request/entity context is attached with
WithWorkerID, WithProjectID, and WithBuildID so that admission
rejections, circuit transitions, and selection decisions can be
correlated in log aggregation without string parsing.

No stack traces or internal error detail reach the local socket API's
response payloads (see pkg/socketapi) — only the stable reason strings
defined by that package. This package is where the detail goes instead.
*/
package log
