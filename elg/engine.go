package elg

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/verity-qa/cmo-elg/elg/activity"
	"github.com/verity-qa/cmo-elg/elg/blob"
	"github.com/verity-qa/cmo-elg/elg/canonjson"
	"github.com/verity-qa/cmo-elg/elg/checkpoint"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/emit"
	"github.com/verity-qa/cmo-elg/elg/policy"
	"github.com/verity-qa/cmo-elg/elg/transport"
)

// Config tunes engine execution.
type Config struct {
	// PerNodeTimeout bounds a single node invocation; nodes may override
	// via WithTimeout. 0 disables the default bound.
	PerNodeTimeout time.Duration

	// WholeRunTimeout bounds one Execute invocation; the run transitions
	// to TIMEOUT at the next step boundary after it elapses.
	WholeRunTimeout time.Duration

	// MaxRetriesPerNode caps retries regardless of node policy.
	// 0 means no cap.
	MaxRetriesPerNode int

	// ClockIncrement advances the virtual clock per now() call.
	ClockIncrement time.Duration

	// SpillThreshold moves activity responses at or above this size to
	// the blob store.
	SpillThreshold int
}

// Deps are the engine's backing services. Store is required; the rest are
// optional and default to no-ops or nil backends.
type Deps struct {
	Store     checkpoint.Store
	Blobs     blob.Store
	Transport transport.Transport
	Policy    *policy.Evaluator
	Emitter   emit.Emitter
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Metrics   *Metrics

	HTTP *http.Client
	MCP  activity.MCPCaller
	DB   activity.DBQuerier
}

// ExecutionResult is the terminal outcome of Execute.
type ExecutionResult[S any] struct {
	TraceID     string
	Status      checkpoint.RunStatus
	FinalState  S
	FinalOutput any
	Steps       []checkpoint.StepRecord
	DurationMs  int64
	Error       *elgerr.Error
}

// Engine interprets execution graphs deterministically. It is safe for
// concurrent use; each run executes its steps strictly sequentially while
// distinct runs proceed independently.
type Engine[S any] struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	aborts map[string]*atomic.Bool
}

// NewEngine builds an engine over its backing services.
func NewEngine[S any](deps Deps, cfg Config) (*Engine[S], error) {
	if deps.Store == nil {
		return nil, elgerr.New(elgerr.CodeInitFailed, "checkpoint store is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = emit.NullEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Policy == nil {
		// Disabled evaluator: every gate allows.
		deps.Policy = &policy.Evaluator{}
	}
	if cfg.ClockIncrement <= 0 {
		cfg.ClockIncrement = activity.DefaultClockIncrement
	}
	return &Engine[S]{
		deps:   deps,
		cfg:    cfg,
		aborts: make(map[string]*atomic.Bool),
	}, nil
}

// Abort signals the run to stop at its next step boundary. Aborting a run
// that already reached a terminal status is a no-op.
func (e *Engine[S]) Abort(ctx context.Context, traceID string) error {
	e.mu.Lock()
	flag, local := e.aborts[traceID]
	e.mu.Unlock()
	if local {
		flag.Store(true)
		return nil
	}

	run, err := e.deps.Store.GetRun(ctx, traceID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return elgerr.Newf(elgerr.CodeStoreUnavailable, "unknown trace %s", traceID)
		}
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	return e.deps.Store.UpdateRunStatus(ctx, traceID, checkpoint.StatusAborted, nil)
}

// Status reads the run's current status from the checkpoint store.
func (e *Engine[S]) Status(ctx context.Context, traceID string) (checkpoint.RunStatus, error) {
	run, err := e.deps.Store.GetRun(ctx, traceID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// GetRun reads the full run record.
func (e *Engine[S]) GetRun(ctx context.Context, traceID string) (*checkpoint.Run, error) {
	return e.deps.Store.GetRun(ctx, traceID)
}

func (e *Engine[S]) abortFlag(traceID string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.aborts[traceID]
	if !ok {
		flag = &atomic.Bool{}
		e.aborts[traceID] = flag
	}
	return flag
}

func (e *Engine[S]) dropAbortFlag(traceID string) {
	e.mu.Lock()
	delete(e.aborts, traceID)
	e.mu.Unlock()
}

// Execute runs the graph under traceID. It is idempotent with respect to
// traceID: re-invocation resumes from the last checkpoint by replaying the
// persisted steps, then records the remainder.
func (e *Engine[S]) Execute(ctx context.Context, g *Graph[S], traceID string, initialInput any) (ExecutionResult[S], error) {
	start := time.Now()
	result := ExecutionResult[S]{TraceID: traceID, Status: checkpoint.StatusFailed}

	if err := g.Validate(); err != nil {
		result.Error = elgerr.From(err, elgerr.CodeConfigInvalid)
		return result, err
	}
	if traceID == "" {
		err := elgerr.New(elgerr.CodeConfigInvalid, "traceId is required")
		result.Error = err
		return result, err
	}

	flag := e.abortFlag(traceID)
	defer e.dropAbortFlag(traceID)
	if e.deps.Metrics != nil {
		e.deps.Metrics.inflightRuns.Inc()
		defer e.deps.Metrics.inflightRuns.Dec()
	}

	run, err := e.loadOrCreateRun(ctx, g, traceID, initialInput)
	if err != nil {
		result.Error = elgerr.From(err, elgerr.CodeStoreUnavailable)
		return result, err
	}

	// A terminal run never re-executes. COMPLETED runs reconstruct their
	// final state by replay; failed runs report the recorded error.
	if run.Status.Terminal() {
		return e.terminalResult(ctx, g, run, start)
	}

	if err := e.deps.Store.UpdateRunStatus(ctx, traceID, checkpoint.StatusRunning, nil); err != nil {
		result.Error = elgerr.From(err, elgerr.CodeStoreUnavailable)
		return result, err
	}

	client := activity.NewClient(activity.Options{
		Mode:           activity.ModeReplay,
		TraceID:        traceID,
		Store:          e.deps.Store,
		Blobs:          e.deps.Blobs,
		Transport:      e.deps.Transport,
		HTTP:           e.deps.HTTP,
		MCP:            e.deps.MCP,
		DB:             e.deps.DB,
		BaseTimestamp:  run.Init.BaseTimestamp,
		ClockIncrement: time.Duration(run.Init.ClockIncrementMs) * time.Millisecond,
		Seed:           run.Init.Seed,
		SpillThreshold: e.cfg.SpillThreshold,
		Observer:       e.activityObserver(),
	})

	logger := e.deps.Logger.With(zap.String("traceId", traceID), zap.String("graphId", g.ID))

	// Resume or fresh start.
	state := g.InitialState()
	input := run.Init.InitialInput
	nodeID := g.Entry()
	stepIndex := 0
	var steps []checkpoint.StepRecord

	prior, err := e.deps.Store.GetAllSteps(ctx, traceID)
	if err != nil {
		return e.failRun(ctx, g, run, result, start, elgerr.From(err, elgerr.CodeStoreUnavailable))
	}
	if len(prior) > 0 {
		rs, rerr := e.replaySteps(ctx, g, run, prior, client, -1, false, nil)
		if rerr != nil {
			code := elgerr.CodeOf(rerr)
			if code != elgerr.CodeReplayRecordMissing {
				rerr = elgerr.Wrap(rerr, elgerr.CodeResumeDivergence, "resume replay failed")
			}
			return e.failRun(ctx, g, run, result, start, elgerr.From(rerr, elgerr.CodeResumeDivergence))
		}
		if len(rs.divergences) > 0 {
			d := rs.divergences[0]
			rerr := elgerr.Newf(elgerr.CodeResumeDivergence,
				"recorded trace diverges at step %d (%s)", d.StepIndex, d.Field).
				WithDetail("stepIndex", d.StepIndex).
				WithDetail("hash", d.Field).
				WithDetail("want", d.Want).
				WithDetail("got", d.Got)
			return e.failRun(ctx, g, run, result, start, rerr)
		}

		last := prior[len(prior)-1]
		steps = prior
		if last.NextEdge == nil {
			// All steps were already executed; finish bookkeeping.
			if err := e.deps.Store.UpdateRunStatus(ctx, traceID, checkpoint.StatusCompleted, nil); err != nil {
				return e.failRun(ctx, g, run, result, start, elgerr.From(err, elgerr.CodeStoreUnavailable))
			}
			result.Status = checkpoint.StatusCompleted
			result.FinalState = rs.state
			result.FinalOutput = rs.output
			result.Steps = steps
			result.DurationMs = time.Since(start).Milliseconds()
			e.finishMetrics(g, checkpoint.StatusCompleted)
			return result, nil
		}

		edge, rerr := g.route(last.NodeID, *last.NextEdge, rs.output)
		if rerr != nil {
			return e.failRun(ctx, g, run, result, start, elgerr.From(rerr, elgerr.CodeResumeDivergence))
		}
		state = rs.state
		input = rs.output
		nodeID = edge.To
		stepIndex = last.StepIndex + 1

		e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: stepIndex, Msg: "run_resume",
			Meta: map[string]any{"replayedSteps": len(prior)}})
		logger.Info("resumed from checkpoint", zap.Int("replayedSteps", len(prior)))
	} else {
		e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: -1, Msg: "run_start",
			Meta: map[string]any{"graphId": g.ID, "graphVersion": g.Version}})
	}

	client.SetMode(activity.ModeRecord)

	var deadline time.Time
	if e.cfg.WholeRunTimeout > 0 {
		deadline = start.Add(e.cfg.WholeRunTimeout)
	}

	for {
		// Step boundary: abort, shutdown, whole-run timeout.
		if flag.Load() {
			if err := e.deps.Store.UpdateRunStatus(ctx, traceID, checkpoint.StatusAborted, nil); err != nil {
				return e.failRun(ctx, g, run, result, start, elgerr.From(err, elgerr.CodeStoreUnavailable))
			}
			result.Status = checkpoint.StatusAborted
			result.Steps = steps
			result.DurationMs = time.Since(start).Milliseconds()
			e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: stepIndex, Msg: "run_aborted"})
			e.finishMetrics(g, checkpoint.StatusAborted)
			return result, nil
		}
		if ctx.Err() != nil {
			shutdownErr := elgerr.Wrap(ctx.Err(), elgerr.CodeShutdown, "execution canceled")
			return e.failRun(context.WithoutCancel(ctx), g, run, result, start, shutdownErr)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			if err := e.deps.Store.UpdateRunStatus(ctx, traceID, checkpoint.StatusTimeout, nil); err != nil {
				return e.failRun(ctx, g, run, result, start, elgerr.From(err, elgerr.CodeStoreUnavailable))
			}
			result.Status = checkpoint.StatusTimeout
			result.Steps = steps
			result.DurationMs = time.Since(start).Milliseconds()
			e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: stepIndex, Msg: "run_timeout"})
			e.finishMetrics(g, checkpoint.StatusTimeout)
			return result, nil
		}

		node, ok := g.Node(nodeID)
		if !ok {
			return e.failRun(ctx, g, run, result, start,
				elgerr.Newf(elgerr.CodeUnroutedNext, "node %q not in graph", nodeID))
		}

		stateHashBefore, err := canonjson.Hash(state)
		if err != nil {
			return e.failRun(ctx, g, run, result, start, elgerr.Wrap(err, elgerr.CodeNodeFailed, "hash state"))
		}
		inputHash, err := canonjson.Hash(input)
		if err != nil {
			return e.failRun(ctx, g, run, result, start, elgerr.Wrap(err, elgerr.CodeNodeFailed, "hash input"))
		}

		decision, err := e.deps.Policy.CheckPreExecution(ctx, policy.Input{
			GraphID:      g.ID,
			GraphVersion: g.Version,
			TraceID:      traceID,
			StepIndex:    stepIndex,
			NodeID:       nodeID,
			Input:        input,
		})
		if err != nil {
			return e.failRun(ctx, g, run, result, start,
				elgerr.Wrap(err, elgerr.CodePolicyDeniedPre, "pre-execution policy evaluation failed"))
		}
		if !decision.Allowed {
			e.policyDenied(g, "pre")
			e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: stepIndex, NodeID: nodeID,
				Msg: "policy_denied", Meta: map[string]any{"phase": "pre", "error": decision.Reason}})
			return e.failRun(ctx, g, run, result, start,
				elgerr.Newf(elgerr.CodePolicyDeniedPre, "policy denied step %d: %s", stepIndex, decision.Reason).
					WithDetail("reason", decision.Reason).
					WithDetail("stepIndex", stepIndex))
		}

		client.BeginStep(stepIndex)
		nc := &NodeContext{
			TraceID:    traceID,
			StepIndex:  stepIndex,
			NodeID:     nodeID,
			Activities: client,
			Logger:     logger.With(zap.Int("stepIndex", stepIndex), zap.String("nodeId", nodeID)),
			Span:       e.startSpan(ctx, nodeID),
		}

		stepStart := time.Now()
		res, stepErr := e.executeWithRetries(ctx, g, node, state, input, nc)
		stepDuration := time.Since(stepStart)
		nc.Span.End()
		if stepErr != nil {
			e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: stepIndex, NodeID: nodeID,
				Msg: "step_failed", Meta: map[string]any{"error": stepErr.Error()}})
			return e.failRun(ctx, g, run, result, start, elgerr.From(stepErr, elgerr.CodeNodeFailed))
		}

		stateHashAfter, err := canonjson.Hash(res.State)
		if err != nil {
			return e.failRun(ctx, g, run, result, start, elgerr.Wrap(err, elgerr.CodeNodeFailed, "hash state"))
		}
		outputHash, err := canonjson.Hash(res.Output)
		if err != nil {
			return e.failRun(ctx, g, run, result, start, elgerr.Wrap(err, elgerr.CodeNodeFailed, "hash output"))
		}

		var nextEdge *string
		if !res.Next.Terminal {
			key := res.Next.Key
			nextEdge = &key
		}
		rec := checkpoint.StepRecord{
			TraceID:         traceID,
			StepIndex:       stepIndex,
			NodeID:          nodeID,
			StateHashBefore: stateHashBefore,
			InputHash:       inputHash,
			OutputHash:      outputHash,
			StateHashAfter:  stateHashAfter,
			NextEdge:        nextEdge,
			StartedAt:       stepStart.UTC(),
			FinishedAt:      stepStart.Add(stepDuration).UTC(),
			DurationMs:      stepDuration.Milliseconds(),
		}

		postDecision, err := e.deps.Policy.CheckPostExecution(ctx, policy.Input{
			GraphID:      g.ID,
			GraphVersion: g.Version,
			TraceID:      traceID,
			StepIndex:    stepIndex,
			NodeID:       nodeID,
			Result:       res.Output,
		})
		if err != nil {
			return e.failRun(ctx, g, run, result, start,
				elgerr.Wrap(err, elgerr.CodePolicyDeniedPost, "post-execution policy evaluation failed"))
		}
		if !postDecision.Allowed {
			// The step ran; preserve it in the trace, then fail the run.
			denial := elgerr.Newf(elgerr.CodePolicyDeniedPost,
				"policy denied result of step %d: %s", stepIndex, postDecision.Reason).
				WithDetail("reason", postDecision.Reason).
				WithDetail("stepIndex", stepIndex)
			rec.Error = denial
			if err := e.deps.Store.SaveStep(ctx, &rec); err != nil {
				return e.failRun(ctx, g, run, result, start, elgerr.From(err, elgerr.CodeStoreUnavailable))
			}
			steps = append(steps, rec)
			e.policyDenied(g, "post")
			e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: stepIndex, NodeID: nodeID,
				Msg: "policy_denied", Meta: map[string]any{"phase": "post", "error": postDecision.Reason}})
			result.Steps = steps
			return e.failRun(ctx, g, run, result, start, denial)
		}

		if err := e.deps.Store.SaveStep(ctx, &rec); err != nil {
			return e.failRun(ctx, g, run, result, start, elgerr.From(err, elgerr.CodeStoreUnavailable))
		}
		steps = append(steps, rec)

		if e.deps.Metrics != nil {
			e.deps.Metrics.stepsTotal.WithLabelValues(g.ID, nodeID).Inc()
			e.deps.Metrics.stepDuration.WithLabelValues(g.ID, nodeID).Observe(stepDuration.Seconds())
		}
		e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: stepIndex, NodeID: nodeID,
			Msg: "step_complete", Meta: map[string]any{
				"durationMs":     stepDuration.Milliseconds(),
				"stateHashAfter": stateHashAfter,
			}})

		if res.Next.Terminal {
			if err := e.deps.Store.UpdateRunStatus(ctx, traceID, checkpoint.StatusCompleted, nil); err != nil {
				return e.failRun(ctx, g, run, result, start, elgerr.From(err, elgerr.CodeStoreUnavailable))
			}
			result.Status = checkpoint.StatusCompleted
			result.FinalState = res.State
			result.FinalOutput = res.Output
			result.Steps = steps
			result.DurationMs = time.Since(start).Milliseconds()
			e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: stepIndex, Msg: "run_complete",
				Meta: map[string]any{"steps": len(steps)}})
			e.finishMetrics(g, checkpoint.StatusCompleted)
			return result, nil
		}

		edge, err := g.route(nodeID, res.Next.Key, res.Output)
		if err != nil {
			result.Steps = steps
			return e.failRun(ctx, g, run, result, start, elgerr.From(err, elgerr.CodeUnroutedNext))
		}
		state = res.State
		input = res.Output
		nodeID = edge.To
		stepIndex++
	}
}

// executeWithRetries invokes the node, applying its retry policy. The
// attempt counter is fresh per step.
func (e *Engine[S]) executeWithRetries(ctx context.Context, g *Graph[S], node *Node[S], state S, input any, nc *NodeContext) (NodeResult[S], error) {
	var zero NodeResult[S]

	if err := validateAgainst(node.inputSchema, input, "input", node.ID); err != nil {
		return zero, err
	}

	maxAttempts := 1
	if node.retry != nil {
		maxAttempts = node.retry.MaxAttempts
		if e.cfg.MaxRetriesPerNode > 0 && maxAttempts > e.cfg.MaxRetriesPerNode+1 {
			maxAttempts = e.cfg.MaxRetriesPerNode + 1
		}
	}

	var lastErr error
	retried := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			retried = true
			if e.deps.Metrics != nil {
				e.deps.Metrics.retriesTotal.WithLabelValues(g.ID, node.ID).Inc()
			}
			e.deps.Emitter.Emit(emit.Event{TraceID: nc.TraceID, StepIndex: nc.StepIndex, NodeID: node.ID,
				Msg: "step_retry", Meta: map[string]any{"attempt": attempt, "error": lastErr.Error()}})
			select {
			case <-time.After(node.retry.backoff(attempt - 1)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		res, err := e.invokeNode(ctx, node, state, input, nc)
		if err == nil {
			err = res.Err
		}
		if err == nil {
			if verr := validateAgainst(node.outputSchema, res.Output, "output", node.ID); verr != nil {
				// Deterministic violation: retrying cannot change it.
				return zero, verr
			}
			return res, nil
		}
		lastErr = err
		if node.retry == nil || node.retry.Retryable == nil || !node.retry.Retryable(err) {
			break
		}
	}

	code := elgerr.CodeOf(lastErr)
	switch {
	case code == elgerr.CodeNodeTimeout:
		return zero, lastErr
	case retried:
		return zero, elgerr.Wrap(lastErr, elgerr.CodeNodeExhaustedRetries,
			"node "+node.ID+" failed after retries")
	default:
		return zero, elgerr.From(lastErr, elgerr.CodeNodeFailed)
	}
}

// invokeNode races the node function against its deadline. The context
// handed to the node carries the deadline, so activity calls observe
// cancellation cooperatively.
func (e *Engine[S]) invokeNode(ctx context.Context, node *Node[S], state S, input any, nc *NodeContext) (NodeResult[S], error) {
	var zero NodeResult[S]

	timeout := e.cfg.PerNodeTimeout
	if node.timeout > 0 {
		timeout = time.Duration(node.timeout) * time.Millisecond
	}
	nodeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan NodeResult[S], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- NodeResult[S]{Err: elgerr.Newf(elgerr.CodeNodeFailed, "node %s panicked: %v", node.ID, r)}
			}
		}()
		done <- node.Fn(nodeCtx, state, input, nc)
	}()

	select {
	case res := <-done:
		return res, nil
	case <-nodeCtx.Done():
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, elgerr.Newf(elgerr.CodeNodeTimeout,
				"node %s exceeded timeout %s", node.ID, timeout).
				WithDetail("nodeId", node.ID).
				WithDetail("timeoutMs", timeout.Milliseconds())
		}
		return zero, nodeCtx.Err()
	}
}

// startSpan opens a per-step span, or a no-op span when tracing is off so
// nodes can use nc.Span unconditionally.
func (e *Engine[S]) startSpan(ctx context.Context, nodeID string) trace.Span {
	if e.deps.Tracer == nil {
		return trace.SpanFromContext(context.Background())
	}
	_, span := e.deps.Tracer.Start(ctx, "elg.step."+nodeID)
	return span
}

// loadOrCreateRun resolves the durable run record, creating it with fresh
// determinism parameters on first invocation. SaveRun never clobbers, so a
// concurrent duplicate invocation converges on one init record.
func (e *Engine[S]) loadOrCreateRun(ctx context.Context, g *Graph[S], traceID string, initialInput any) (*checkpoint.Run, error) {
	run, err := e.deps.Store.GetRun(ctx, traceID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, err
	}

	fresh := &checkpoint.Run{
		TraceID:      traceID,
		GraphID:      g.ID,
		GraphVersion: g.Version,
		Status:       checkpoint.StatusPending,
		Init: checkpoint.RunInit{
			InitialInput:     initialInput,
			Seed:             rand.Int63(),
			BaseTimestamp:    time.Now().UTC().Truncate(time.Millisecond),
			ClockIncrementMs: e.cfg.ClockIncrement.Milliseconds(),
		},
		StartedAt: time.Now().UTC(),
	}
	if err := e.deps.Store.SaveRun(ctx, fresh); err != nil {
		return nil, err
	}
	return e.deps.Store.GetRun(ctx, traceID)
}

// terminalResult reconstructs the result of an already-finished run.
func (e *Engine[S]) terminalResult(ctx context.Context, g *Graph[S], run *checkpoint.Run, start time.Time) (ExecutionResult[S], error) {
	result := ExecutionResult[S]{TraceID: run.TraceID, Status: run.Status, Error: run.Error}
	steps, err := e.deps.Store.GetAllSteps(ctx, run.TraceID)
	if err != nil {
		return result, err
	}
	result.Steps = steps

	if run.Status == checkpoint.StatusCompleted && len(steps) > 0 {
		client := activity.NewClient(activity.Options{
			Mode:           activity.ModeReplay,
			TraceID:        run.TraceID,
			Store:          e.deps.Store,
			Blobs:          e.deps.Blobs,
			BaseTimestamp:  run.Init.BaseTimestamp,
			ClockIncrement: time.Duration(run.Init.ClockIncrementMs) * time.Millisecond,
			Seed:           run.Init.Seed,
			SpillThreshold: e.cfg.SpillThreshold,
		})
		rs, rerr := e.replaySteps(ctx, g, run, steps, client, -1, false, nil)
		if rerr != nil {
			return result, rerr
		}
		result.FinalState = rs.state
		result.FinalOutput = rs.output
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// failRun marks the run FAILED with the structured error and returns it.
func (e *Engine[S]) failRun(ctx context.Context, g *Graph[S], run *checkpoint.Run, result ExecutionResult[S], start time.Time, cause *elgerr.Error) (ExecutionResult[S], error) {
	if uerr := e.deps.Store.UpdateRunStatus(ctx, run.TraceID, checkpoint.StatusFailed, cause); uerr != nil {
		e.deps.Logger.Error("failed to persist run failure",
			zap.String("traceId", run.TraceID), zap.Error(uerr))
	}
	result.Status = checkpoint.StatusFailed
	result.Error = cause
	result.DurationMs = time.Since(start).Milliseconds()
	e.deps.Emitter.Emit(emit.Event{TraceID: run.TraceID, StepIndex: -1, Msg: "run_failed",
		Meta: map[string]any{"error": cause.Error(), "code": string(cause.Code)}})
	e.finishMetrics(g, checkpoint.StatusFailed)
	return result, cause
}

func (e *Engine[S]) finishMetrics(g *Graph[S], status checkpoint.RunStatus) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.runsTotal.WithLabelValues(g.ID, string(status)).Inc()
	}
}

func (e *Engine[S]) policyDenied(g *Graph[S], phase string) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.policyDenials.WithLabelValues(g.ID, phase).Inc()
	}
}

func (e *Engine[S]) activityObserver() func(checkpoint.ActivityType, activity.Mode) {
	if e.deps.Metrics == nil {
		return nil
	}
	return func(typ checkpoint.ActivityType, mode activity.Mode) {
		e.deps.Metrics.activitiesTotal.WithLabelValues(string(typ), string(mode)).Inc()
	}
}
