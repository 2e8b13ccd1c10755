package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("checkpoint: not found")

// Health is the result of a store health probe.
type Health struct {
	Status  string
	Latency time.Duration
}

// Store is the checkpoint persistence capability set.
//
// All writes are idempotent: repeating a write with identical content is a
// no-op, and the uniqueness constraints on (traceId, stepIndex) and
// (traceId, stepIndex, activityType, requestHash) give multi-worker mutual
// exclusion without a distributed lock. Writing a conflicting step for an
// existing (traceId, stepIndex) fails with CHECKPOINT_DIVERGENCE.
type Store interface {
	// Initialize creates the schema if absent. Idempotent.
	Initialize(ctx context.Context) error

	// SaveRun inserts the run keyed by traceId. Re-saving an existing
	// trace is a no-op; status changes go through UpdateRunStatus.
	SaveRun(ctx context.Context, run *Run) error

	// UpdateRunStatus applies a monotonic status transition. Illegal
	// transitions (terminal -> non-terminal, RUNNING -> PENDING) fail
	// with CHECKPOINT_DIVERGENCE; idempotent re-application of the
	// current status is a no-op.
	UpdateRunStatus(ctx context.Context, traceID string, status RunStatus, runErr *elgerr.Error) error

	// GetRun returns the run or ErrNotFound.
	GetRun(ctx context.Context, traceID string) (*Run, error)

	// SaveStep upserts a step keyed by (traceId, stepIndex). Equal
	// content is a no-op; a different StateHashAfter for an existing key
	// fails with CHECKPOINT_DIVERGENCE.
	SaveStep(ctx context.Context, step *StepRecord) error

	// GetLastStep returns the step with the highest index, or nil when
	// the run has no steps.
	GetLastStep(ctx context.Context, traceID string) (*StepRecord, error)

	// GetAllSteps returns steps in ascending stepIndex order.
	GetAllSteps(ctx context.Context, traceID string) ([]StepRecord, error)

	// SaveActivity upserts an activity record by its idempotency key.
	SaveActivity(ctx context.Context, rec *ActivityRecord) error

	// GetActivity returns the record for the key, or nil when absent.
	GetActivity(ctx context.Context, traceID string, stepIndex int, typ ActivityType, requestHash string) (*ActivityRecord, error)

	// GetActivitiesForStep returns a step's records in insertion order.
	GetActivitiesForStep(ctx context.Context, traceID string, stepIndex int) ([]ActivityRecord, error)

	// HealthCheck probes the backend and reports round-trip latency.
	HealthCheck(ctx context.Context) (Health, error)

	// Close releases backend resources.
	Close() error
}

func activityKey(traceID string, stepIndex int, typ ActivityType, requestHash string) string {
	return fmt.Sprintf("%s\x00%d\x00%s\x00%s", traceID, stepIndex, typ, requestHash)
}

// stepEqual compares the divergence-relevant content of two step records.
// Timestamps and durations are excluded: a retried write after a crash may
// carry different wall-clock values for identical execution content.
func stepEqual(a, b *StepRecord) bool {
	if a.NodeID != b.NodeID ||
		a.StateHashBefore != b.StateHashBefore ||
		a.InputHash != b.InputHash ||
		a.OutputHash != b.OutputHash ||
		a.StateHashAfter != b.StateHashAfter {
		return false
	}
	if (a.NextEdge == nil) != (b.NextEdge == nil) {
		return false
	}
	if a.NextEdge != nil && *a.NextEdge != *b.NextEdge {
		return false
	}
	return true
}

func divergenceErr(existing, incoming *StepRecord) error {
	return elgerr.Newf(elgerr.CodeCheckpointDivergence,
		"conflicting step write for trace %s step %d", incoming.TraceID, incoming.StepIndex).
		WithDetail("stepIndex", incoming.StepIndex).
		WithDetail("existingStateHashAfter", existing.StateHashAfter).
		WithDetail("incomingStateHashAfter", incoming.StateHashAfter)
}

func transitionErr(traceID string, from, to RunStatus) error {
	return elgerr.Newf(elgerr.CodeCheckpointDivergence,
		"non-monotonic status transition %s -> %s for trace %s", from, to, traceID).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}
