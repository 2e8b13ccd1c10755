// Package graphs is the worker's graph catalog. Deployments register their
// execution graphs here; the serve and replay commands both read from this
// catalog so a recorded trace can always find the graph that produced it.
package graphs

import (
	"context"

	"github.com/verity-qa/cmo-elg/app"
	"github.com/verity-qa/cmo-elg/elg"
)

// Builtin returns the graphs compiled into this binary.
func Builtin() []*elg.Graph[app.State] {
	return []*elg.Graph[app.State]{
		echo(),
		telemetry(),
	}
}

// ByID indexes the builtin catalog.
func ByID() map[string]*elg.Graph[app.State] {
	out := make(map[string]*elg.Graph[app.State])
	for _, g := range Builtin() {
		out[g.ID] = g
	}
	return out
}

// echo returns its input unchanged. Smoke-test graph for deployments.
func echo() *elg.Graph[app.State] {
	g := elg.New[app.State]("echo", "1.0.0", func() app.State { return app.State{} })
	g.Add("echo", func(ctx context.Context, s app.State, input any, nc *elg.NodeContext) elg.NodeResult[app.State] {
		s["echoed"] = true
		return elg.NodeResult[app.State]{State: s, Output: input, Next: elg.Stop()}
	})
	g.StartAt("echo")
	return g
}

// telemetry samples the virtual clock and PRNG, then summarizes. It
// exercises the deterministic activity boundary end to end, so a replayed
// trace of it verifies the whole record/replay path.
func telemetry() *elg.Graph[app.State] {
	g := elg.New[app.State]("telemetry", "1.0.0", func() app.State { return app.State{} })

	g.Add("sample", func(ctx context.Context, s app.State, input any, nc *elg.NodeContext) elg.NodeResult[app.State] {
		const samples = 5
		values := make([]any, 0, samples)
		for i := 0; i < samples; i++ {
			v, err := nc.Activities.Rand(ctx, 1000)
			if err != nil {
				return elg.NodeResult[app.State]{Err: err}
			}
			values = append(values, v)
		}
		at, err := nc.Activities.Now(ctx)
		if err != nil {
			return elg.NodeResult[app.State]{Err: err}
		}
		s["sampledAt"] = at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		return elg.NodeResult[app.State]{
			State:  s,
			Output: map[string]any{"values": values},
			Next:   elg.Goto("summarize"),
		}
	})

	g.Add("summarize", func(ctx context.Context, s app.State, input any, nc *elg.NodeContext) elg.NodeResult[app.State] {
		values := input.(map[string]any)["values"].([]any)
		var sum int64
		for _, v := range values {
			switch n := v.(type) {
			case int64:
				sum += n
			case float64:
				sum += int64(n)
			}
		}
		s["sum"] = sum
		return elg.NodeResult[app.State]{
			State: s,
			Output: map[string]any{
				"count": len(values),
				"sum":   sum,
			},
			Next: elg.Stop(),
		}
	})

	g.Connect("summarize", "sample", "summarize", nil)
	g.StartAt("sample")
	return g
}
