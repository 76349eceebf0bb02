/*
Package events provides rchd's in-memory event broker.

The broker fans structured scheduling events — admission verdicts,
circuit transitions, selection winners, build lifecycle, health probes,
and repo-convergence state changes — out to subscribers such as the
status API and a JSONL history writer. Publish is non-blocking: a full
subscriber buffer drops the event for that subscriber rather than
back-pressuring the producer.

The event vocabulary (the EventType constants) is closed: new event
kinds may be added, but existing names are never repurposed, since
external tooling matches on them.
*/
package events
