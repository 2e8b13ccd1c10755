// Package checkpoint defines the engine's durable data model (runs, steps,
// activities) and the Store capability set that persists it. Backends are
// interchangeable: an in-memory reference store, SQLite for single-process
// deployments, and Postgres for shared multi-worker deployments.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

// RunStatus is the lifecycle state of a run. Transitions are monotonic:
// PENDING -> RUNNING -> one of the terminal states, and a terminal status
// never changes.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusTimeout   RunStatus = "TIMEOUT"
	StatusAborted   RunStatus = "ABORTED"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusAborted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next preserves
// monotonicity. Same-status transitions are allowed (idempotent updates).
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// RunInit is the initialization record persisted with every run. It carries
// everything the activity boundary needs to reproduce the run
// deterministically: the initial input, the PRNG seed, the virtual clock
// base, and the clock increment.
type RunInit struct {
	InitialInput     any       `json:"initialInput"`
	Seed             int64     `json:"seed"`
	BaseTimestamp    time.Time `json:"baseTimestamp"`
	ClockIncrementMs int64     `json:"clockIncrementMs"`
}

// Run is the durable record of a single graph execution.
type Run struct {
	TraceID      string
	GraphID      string
	GraphVersion string
	Status       RunStatus
	Init         RunInit
	StartedAt    time.Time
	FinishedAt   *time.Time
	Error        *elgerr.Error
}

// StepRecord is the durable record of one node invocation.
//
// Invariants: (TraceID, StepIndex) is unique; StateHashBefore equals the
// previous step's StateHashAfter (or the initial-state hash at index 0);
// indices within a run are contiguous from 0.
type StepRecord struct {
	TraceID         string
	StepIndex       int
	NodeID          string
	StateHashBefore string
	InputHash       string
	OutputHash      string
	StateHashAfter  string
	NextEdge        *string
	StartedAt       time.Time
	FinishedAt      time.Time
	DurationMs      int64
	Error           *elgerr.Error
}

// ActivityType classifies a recorded non-deterministic call.
type ActivityType string

const (
	ActivityNow           ActivityType = "NOW"
	ActivityRand          ActivityType = "RAND"
	ActivityHTTP          ActivityType = "HTTP"
	ActivityA2A           ActivityType = "A2A"
	ActivityMCP           ActivityType = "MCP"
	ActivityDB            ActivityType = "DB"
	ActivityReadArtifact  ActivityType = "READ_ARTIFACT"
	ActivityWriteArtifact ActivityType = "WRITE_ARTIFACT"
)

// ActivityRecord is the durable record of one activity-boundary call.
//
// (TraceID, StepIndex, ActivityType, RequestHash) is the idempotency key
// across retries and the replay lookup key. Seq preserves the insertion
// order within a step. Oversized responses are spilled to the blob store
// and referenced via BlobRef instead of ResponseData.
type ActivityRecord struct {
	TraceID      string
	StepIndex    int
	Seq          int
	ActivityType ActivityType
	RequestHash  string
	ResponseData json.RawMessage
	BlobRef      string
	StartedAt    time.Time
	FinishedAt   time.Time
	DurationMs   int64
	Error        *elgerr.Error
}

// Key returns the record's idempotency key tuple as a single string,
// usable as a map key.
func (a *ActivityRecord) Key() string {
	return activityKey(a.TraceID, a.StepIndex, a.ActivityType, a.RequestHash)
}
