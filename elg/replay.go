package elg

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/verity-qa/cmo-elg/elg/activity"
	"github.com/verity-qa/cmo-elg/elg/canonjson"
	"github.com/verity-qa/cmo-elg/elg/checkpoint"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/emit"
)

// ReplayOptions tunes a verification replay.
type ReplayOptions struct {
	// ToStep replays steps [0, ToStep]; negative replays the whole trace.
	ToStep int

	// Verify collects every divergence instead of stopping at the first.
	Verify bool

	// Verbose emits a replay event per step.
	Verbose bool
}

// Divergence is one hash mismatch between a recorded step and its
// re-execution.
type Divergence struct {
	StepIndex int    `json:"stepIndex"`
	NodeID    string `json:"nodeId"`
	Field     string `json:"field"`
	Want      string `json:"want"`
	Got       string `json:"got"`
}

// ReplayReport is the outcome of a replay.
type ReplayReport[S any] struct {
	TraceID       string
	GraphID       string
	GraphVersion  string
	Status        checkpoint.RunStatus
	StepsReplayed int
	FinalState    S
	FinalOutput   any
	Divergences   []Divergence
}

// Replay re-executes a recorded run with the activity boundary in replay
// mode. Nothing is persisted; external systems are never touched. A clean
// replay reproduces every step hash; any mismatch is reported as a
// divergence and the call fails with REPLAY_DIVERGENCE.
func (e *Engine[S]) Replay(ctx context.Context, g *Graph[S], traceID string, opts ReplayOptions) (ReplayReport[S], error) {
	report := ReplayReport[S]{TraceID: traceID}

	run, err := e.deps.Store.GetRun(ctx, traceID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return report, elgerr.Newf(elgerr.CodeStoreUnavailable, "unknown trace %s", traceID)
		}
		return report, err
	}
	report.GraphID = run.GraphID
	report.GraphVersion = run.GraphVersion
	report.Status = run.Status

	if run.GraphID != g.ID || run.GraphVersion != g.Version {
		return report, elgerr.Newf(elgerr.CodeReplayDivergence,
			"trace was recorded by %s@%s, not %s@%s",
			run.GraphID, run.GraphVersion, g.ID, g.Version).
			WithDetail("recordedGraphId", run.GraphID).
			WithDetail("recordedGraphVersion", run.GraphVersion)
	}

	steps, err := e.deps.Store.GetAllSteps(ctx, traceID)
	if err != nil {
		return report, err
	}
	if len(steps) == 0 {
		return report, nil
	}

	client := activity.NewClient(activity.Options{
		Mode:           activity.ModeReplay,
		TraceID:        traceID,
		Store:          e.deps.Store,
		Blobs:          e.deps.Blobs,
		BaseTimestamp:  run.Init.BaseTimestamp,
		ClockIncrement: time.Duration(run.Init.ClockIncrementMs) * time.Millisecond,
		Seed:           run.Init.Seed,
		SpillThreshold: e.cfg.SpillThreshold,
	})

	var observe func(rec checkpoint.StepRecord, divs []Divergence)
	if opts.Verbose {
		observe = func(rec checkpoint.StepRecord, divs []Divergence) {
			msg := "replay_verified"
			meta := map[string]any{"nodeId": rec.NodeID}
			if len(divs) > 0 {
				msg = "replay_diverged"
				meta["error"] = divs[0].Field + " mismatch"
			}
			e.deps.Emitter.Emit(emit.Event{TraceID: traceID, StepIndex: rec.StepIndex,
				NodeID: rec.NodeID, Msg: msg, Meta: meta})
		}
	}

	rs, err := e.replaySteps(ctx, g, run, steps, client, opts.ToStep, opts.Verify, observe)
	report.StepsReplayed = rs.replayed
	report.Divergences = rs.divergences
	if err != nil {
		return report, err
	}
	report.FinalState = rs.state
	report.FinalOutput = rs.output

	if len(rs.divergences) > 0 {
		if e.deps.Metrics != nil {
			e.deps.Metrics.replayDiverged.Add(float64(len(rs.divergences)))
		}
		d := rs.divergences[0]
		return report, elgerr.Newf(elgerr.CodeReplayDivergence,
			"replay diverged at step %d (%s)", d.StepIndex, d.Field).
			WithDetail("divergences", len(rs.divergences)).
			WithDetail("stepIndex", d.StepIndex).
			WithDetail("hash", d.Field)
	}
	return report, nil
}

// CompareTraces diffs the persisted step records of two runs without
// re-executing anything. Two runs of the same graph on the same input are
// expected to match hash-for-hash; any difference is reported per step.
func CompareTraces(ctx context.Context, store checkpoint.Store, traceA, traceB string) ([]Divergence, error) {
	stepsA, err := store.GetAllSteps(ctx, traceA)
	if err != nil {
		return nil, err
	}
	stepsB, err := store.GetAllSteps(ctx, traceB)
	if err != nil {
		return nil, err
	}

	var divs []Divergence
	n := len(stepsA)
	if len(stepsB) < n {
		n = len(stepsB)
	}
	for i := 0; i < n; i++ {
		a, b := stepsA[i], stepsB[i]
		pairs := []struct{ field, want, got string }{
			{"nodeId", a.NodeID, b.NodeID},
			{"stateHashBefore", a.StateHashBefore, b.StateHashBefore},
			{"inputHash", a.InputHash, b.InputHash},
			{"outputHash", a.OutputHash, b.OutputHash},
			{"stateHashAfter", a.StateHashAfter, b.StateHashAfter},
		}
		for _, p := range pairs {
			if p.want != p.got {
				divs = append(divs, Divergence{
					StepIndex: a.StepIndex,
					NodeID:    a.NodeID,
					Field:     p.field,
					Want:      p.want,
					Got:       p.got,
				})
			}
		}
	}
	if len(stepsA) != len(stepsB) {
		divs = append(divs, Divergence{
			StepIndex: n,
			Field:     "stepCount",
			Want:      strconv.Itoa(len(stepsA)),
			Got:       strconv.Itoa(len(stepsB)),
		})
	}
	return divs, nil
}

type replayState[S any] struct {
	state       S
	output      any
	replayed    int
	divergences []Divergence
}

// replaySteps re-executes recorded steps against the graph with client
// already in replay mode. It carries state and output across steps and
// compares all four hashes plus the routing decision per step. When
// collectAll is false the first divergence stops the walk; when true the
// walk continues so a verification pass can report every mismatch. Both
// the resume path and the replay tool run through here, which is what
// keeps their semantics identical.
func (e *Engine[S]) replaySteps(
	ctx context.Context,
	g *Graph[S],
	run *checkpoint.Run,
	steps []checkpoint.StepRecord,
	client *activity.Client,
	toStep int,
	collectAll bool,
	observe func(rec checkpoint.StepRecord, divs []Divergence),
) (replayState[S], error) {
	rs := replayState[S]{state: g.InitialState(), output: run.Init.InitialInput}

	for _, rec := range steps {
		if toStep >= 0 && rec.StepIndex > toStep {
			break
		}
		if err := ctx.Err(); err != nil {
			return rs, err
		}

		node, ok := g.Node(rec.NodeID)
		if !ok {
			return rs, elgerr.Newf(elgerr.CodeReplayDivergence,
				"recorded node %q is not in graph %s@%s", rec.NodeID, g.ID, g.Version).
				WithDetail("stepIndex", rec.StepIndex)
		}

		var stepDivs []Divergence
		check := func(field, want, got string) {
			if want != got {
				stepDivs = append(stepDivs, Divergence{
					StepIndex: rec.StepIndex,
					NodeID:    rec.NodeID,
					Field:     field,
					Want:      want,
					Got:       got,
				})
			}
		}

		stateHash, err := canonjson.Hash(rs.state)
		if err != nil {
			return rs, elgerr.Wrap(err, elgerr.CodeReplayDivergence, "hash state")
		}
		inputHash, err := canonjson.Hash(rs.output)
		if err != nil {
			return rs, elgerr.Wrap(err, elgerr.CodeReplayDivergence, "hash input")
		}
		check("stateHashBefore", rec.StateHashBefore, stateHash)
		check("inputHash", rec.InputHash, inputHash)

		client.BeginStep(rec.StepIndex)
		nc := &NodeContext{
			TraceID:    run.TraceID,
			StepIndex:  rec.StepIndex,
			NodeID:     rec.NodeID,
			Activities: client,
			Logger:     e.deps.Logger,
			Span:       trace.SpanFromContext(context.Background()),
		}
		res := node.Fn(ctx, rs.state, rs.output, nc)
		if res.Err != nil {
			// A recorded step succeeded; failure on replay means the node
			// function changed or a record is missing.
			if elgerr.CodeOf(res.Err) == elgerr.CodeReplayRecordMissing {
				return rs, res.Err
			}
			return rs, elgerr.Wrap(res.Err, elgerr.CodeReplayDivergence,
				"recorded step "+rec.NodeID+" failed on replay")
		}

		outputHash, err := canonjson.Hash(res.Output)
		if err != nil {
			return rs, elgerr.Wrap(err, elgerr.CodeReplayDivergence, "hash output")
		}
		stateAfterHash, err := canonjson.Hash(res.State)
		if err != nil {
			return rs, elgerr.Wrap(err, elgerr.CodeReplayDivergence, "hash state")
		}
		check("outputHash", rec.OutputHash, outputHash)
		check("stateHashAfter", rec.StateHashAfter, stateAfterHash)

		recordedNext := "<terminal>"
		if rec.NextEdge != nil {
			recordedNext = *rec.NextEdge
		}
		computedNext := "<terminal>"
		if !res.Next.Terminal {
			computedNext = res.Next.Key
		}
		check("nextEdge", recordedNext, computedNext)

		rs.state = res.State
		rs.output = res.Output
		rs.replayed++
		rs.divergences = append(rs.divergences, stepDivs...)
		if observe != nil {
			observe(rec, stepDivs)
		}
		if len(stepDivs) > 0 && !collectAll {
			return rs, nil
		}
	}
	return rs, nil
}
