package elg

import (
	"context"
	"testing"

	"github.com/verity-qa/cmo-elg/elg/checkpoint"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

// rollGraph draws a virtual-clock timestamp and a seeded random number,
// then scales the draw. factor lets tests change behavior between record
// and replay.
func rollGraph(t *testing.T, factor int64) *Graph[calcState] {
	t.Helper()
	g := New[calcState]("roll", "2.1.0", nil)
	g.Add("roll", func(ctx context.Context, s calcState, input any, nc *NodeContext) NodeResult[calcState] {
		now, err := nc.Activities.Now(ctx)
		if err != nil {
			return NodeResult[calcState]{Err: err}
		}
		pick, err := nc.Activities.Rand(ctx, 100)
		if err != nil {
			return NodeResult[calcState]{Err: err}
		}
		s.Picked = pick
		s.Log = append(s.Log, now.UTC().Format("15:04:05.000"))
		return NodeResult[calcState]{State: s, Output: map[string]any{"pick": pick}, Next: Goto("next")}
	})
	g.Add("scale", func(ctx context.Context, s calcState, input any, nc *NodeContext) NodeResult[calcState] {
		s.Total = int(s.Picked * factor)
		return NodeResult[calcState]{State: s, Output: map[string]any{"total": s.Total}, Next: Stop()}
	})
	g.Connect("next", "roll", "scale", nil)
	g.StartAt("roll")
	return g
}

func TestReplayReproducesRecordedRun(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	g := rollGraph(t, 2)
	ctx := context.Background()

	recorded, err := eng.Execute(ctx, g, "trace-replay", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	report, err := eng.Replay(ctx, g, "trace-replay", ReplayOptions{ToStep: -1, Verify: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Divergences) != 0 {
		t.Fatalf("clean replay reported divergences: %+v", report.Divergences)
	}
	if report.StepsReplayed != 2 {
		t.Fatalf("replayed %d steps, want 2", report.StepsReplayed)
	}
	if report.FinalState.Total != recorded.FinalState.Total ||
		report.FinalState.Picked != recorded.FinalState.Picked {
		t.Fatalf("replayed state %+v != recorded %+v", report.FinalState, recorded.FinalState)
	}
}

func TestReplayDetectsChangedNodeBehavior(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := eng.Execute(ctx, rollGraph(t, 2), "trace-drift", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Same graph id and version, different scale node.
	report, err := eng.Replay(ctx, rollGraph(t, 3), "trace-drift", ReplayOptions{ToStep: -1, Verify: true})
	if err == nil {
		t.Fatal("expected replay divergence")
	}
	if code := elgerr.CodeOf(err); code != elgerr.CodeReplayDivergence {
		t.Fatalf("code = %s, want REPLAY_DIVERGENCE", code)
	}
	if len(report.Divergences) == 0 {
		t.Fatal("no divergences reported")
	}
	d := report.Divergences[0]
	if d.StepIndex != 1 {
		t.Fatalf("divergence at step %d, want 1 (the changed node)", d.StepIndex)
	}
	if d.Field != "outputHash" && d.Field != "stateHashAfter" {
		t.Fatalf("divergence field = %s", d.Field)
	}
}

func TestReplayStopsAtToStep(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	g := rollGraph(t, 2)
	ctx := context.Background()

	if _, err := eng.Execute(ctx, g, "trace-partial", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	report, err := eng.Replay(ctx, g, "trace-partial", ReplayOptions{ToStep: 0, Verify: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if report.StepsReplayed != 1 {
		t.Fatalf("replayed %d steps, want 1", report.StepsReplayed)
	}
}

func TestReplayRejectsMismatchedGraph(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := eng.Execute(ctx, rollGraph(t, 2), "trace-mismatch", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	other := New[calcState]("other", "0.1.0", nil)
	other.Add("noop", func(ctx context.Context, s calcState, input any, nc *NodeContext) NodeResult[calcState] {
		return NodeResult[calcState]{State: s, Next: Stop()}
	})
	other.StartAt("noop")

	_, err := eng.Replay(ctx, other, "trace-mismatch", ReplayOptions{ToStep: -1})
	if code := elgerr.CodeOf(err); code != elgerr.CodeReplayDivergence {
		t.Fatalf("code = %s, want REPLAY_DIVERGENCE", code)
	}
}

func TestReplayUnknownTrace(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	_, err := eng.Replay(context.Background(), rollGraph(t, 2), "no-such-trace", ReplayOptions{ToStep: -1})
	if err == nil {
		t.Fatal("expected error for unknown trace")
	}
}

func TestCompareTraces(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	g := threeStepGraph(t)
	ctx := context.Background()

	if _, err := eng.Execute(ctx, g, "cmp-a", map[string]any{"n": float64(5)}); err != nil {
		t.Fatalf("Execute a: %v", err)
	}
	if _, err := eng.Execute(ctx, g, "cmp-b", map[string]any{"n": float64(5)}); err != nil {
		t.Fatalf("Execute b: %v", err)
	}
	if _, err := eng.Execute(ctx, g, "cmp-c", map[string]any{"n": float64(9)}); err != nil {
		t.Fatalf("Execute c: %v", err)
	}

	divs, err := CompareTraces(ctx, store, "cmp-a", "cmp-b")
	if err != nil {
		t.Fatalf("CompareTraces: %v", err)
	}
	if len(divs) != 0 {
		t.Fatalf("identical runs diverge: %+v", divs)
	}

	divs, err = CompareTraces(ctx, store, "cmp-a", "cmp-c")
	if err != nil {
		t.Fatalf("CompareTraces: %v", err)
	}
	if len(divs) == 0 {
		t.Fatal("different inputs reported as identical")
	}
	if divs[0].StepIndex != 0 || divs[0].Field != "inputHash" {
		t.Fatalf("first divergence = %+v", divs[0])
	}
}

func TestReplayDoesNotWriteToStore(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	g := rollGraph(t, 2)
	ctx := context.Background()

	if _, err := eng.Execute(ctx, g, "trace-readonly", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	before, _ := store.GetActivitiesForStep(ctx, "trace-readonly", 0)

	if _, err := eng.Replay(ctx, g, "trace-readonly", ReplayOptions{ToStep: -1, Verify: true}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	after, _ := store.GetActivitiesForStep(ctx, "trace-readonly", 0)
	if len(after) != len(before) {
		t.Fatalf("replay changed activity records: %d -> %d", len(before), len(after))
	}

	status, _ := eng.Status(ctx, "trace-readonly")
	if status != checkpoint.StatusCompleted {
		t.Fatalf("replay changed run status to %s", status)
	}
}
