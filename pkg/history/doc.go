// Package history keeps the bounded in-memory ring buffer of completed
// build records and the set of builds currently in flight, with
// best-effort JSONL persistence across restarts.
package history
