// Package emit carries the engine's observability events to pluggable
// backends: structured logs, OpenTelemetry spans, or an in-memory buffer
// for tests. Emitters must be non-blocking, thread-safe, and must never
// panic; a failing backend cannot be allowed to take a run down with it.
package emit

// Event is one observability event from run execution.
//
// Well-known Msg values: run_start, run_resume, run_complete, run_failed,
// step_start, step_complete, step_retry, activity_recorded,
// policy_denied, replay_verified, replay_diverged.
type Event struct {
	// TraceID identifies the run that emitted this event.
	TraceID string

	// StepIndex is the zero-based step the event belongs to; -1 for
	// run-level events.
	StepIndex int

	// NodeID identifies the node, empty for run-level events.
	NodeID string

	// Msg names the event.
	Msg string

	// Meta carries additional structured data. Common keys:
	// "durationMs", "error", "attempt", "nextEdge", "stateHashAfter".
	Meta map[string]any
}
