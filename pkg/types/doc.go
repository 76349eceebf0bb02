/*
Package types defines the core data structures shared across rchd's
scheduling core: worker status and circuit state, disk-pressure
assessments, build history records, admission verdicts, repo-drift
states, and the selection request/config pair the selector consumes.

Types here are value objects: a new PressureAssessment or CircuitStats
replaces the old one wholesale rather than being mutated field-by-field,
matching the invariant in the specification that assessments are
immutable snapshots.
*/
package types
