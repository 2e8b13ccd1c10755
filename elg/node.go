// Package elg is the deterministic graph runtime: it interprets execution
// graphs step by step, forces all non-determinism through the activity
// boundary, checkpoints every step, and can resume or replay any run from
// its persisted trace.
package elg

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/verity-qa/cmo-elg/elg/activity"
)

// NodeContext carries the per-step capabilities handed to a node function.
// Everything a node may observe about the outside world flows through
// Activities; Logger and Span are write-only observability.
type NodeContext struct {
	TraceID    string
	StepIndex  int
	NodeID     string
	Activities *activity.Client
	Logger     *zap.Logger
	Span       trace.Span
}

// NodeResult is the outcome of one node invocation.
type NodeResult[S any] struct {
	// State is the node's full next state.
	State S

	// Output becomes the next node's input and is hashed into the step
	// record. It must be JSON-serializable.
	Output any

	// Next routes execution: Stop() terminates the run, Goto(key)
	// follows the outgoing edge registered under key.
	Next Next

	// Err fails the step; the retry policy decides what happens next.
	Err error
}

// Next selects the outgoing edge after a node completes.
type Next struct {
	Key      string
	Terminal bool
}

// Stop terminates the run successfully after this step.
func Stop() Next { return Next{Terminal: true} }

// Goto follows the outgoing edge registered under key.
func Goto(key string) Next { return Next{Key: key} }

// NodeFunc is a step function. It must be deterministic given
// (state, input, activity sequence): no wall clock, no OS RNG, no ambient
// I/O — those live behind nc.Activities.
type NodeFunc[S any] func(ctx context.Context, state S, input any, nc *NodeContext) NodeResult[S]

// RetryPolicy drives automatic retries of failed node invocations with
// exponential backoff and jitter.
type RetryPolicy struct {
	// MaxAttempts counts the initial attempt; 1 means no retries.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff:
	// min(BaseDelay * 2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. 0 means uncapped.
	MaxDelay time.Duration

	// Retryable decides per error. Nil treats every error as permanent.
	Retryable func(error) bool
}

// Validate checks the policy's internal consistency.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return errInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return errInvalidRetryPolicy
	}
	return nil
}

// backoff computes the delay before retry number attempt (zero-based).
// Jitter affects timing only, never recorded state, so the process-global
// RNG is fine here.
func (rp *RetryPolicy) backoff(attempt int) time.Duration {
	base := rp.BaseDelay
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}
