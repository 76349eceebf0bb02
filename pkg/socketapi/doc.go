/*
Package socketapi serves the daemon's local control surface: a Unix
domain socket carrying length-prefixed JSON requests from the build
hook and from operator tooling. It is the only way anything outside
the process reaches the scheduling core.

Framing is a 4-byte big-endian length prefix followed by that many
bytes of JSON. Unknown request types and unrecognised admin actions
decode to an error response rather than closing the connection, so a
newer hook talking to an older daemon degrades gracefully instead of
breaking the pipe.

Every request runs under a caller-supplied (or server-default) wall
clock budget. A SelectAndRun call that can't produce a verdict within
that budget returns a Local decision with reason "budget_exceeded" —
the hook always gets an answer in bounded time, never a hang.
*/
package socketapi
