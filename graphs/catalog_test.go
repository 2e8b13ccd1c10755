package graphs

import (
	"context"
	"testing"

	"github.com/verity-qa/cmo-elg/app"
	"github.com/verity-qa/cmo-elg/elg"
	"github.com/verity-qa/cmo-elg/elg/checkpoint"
)

func newEngine(t *testing.T) *elg.Engine[app.State] {
	t.Helper()
	eng, err := elg.NewEngine[app.State](elg.Deps{Store: checkpoint.NewMemStore()}, elg.Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func TestCatalogGraphsValidate(t *testing.T) {
	for _, g := range Builtin() {
		if err := g.Validate(); err != nil {
			t.Errorf("graph %s: %v", g.ID, err)
		}
	}
	if _, ok := ByID()["telemetry"]; !ok {
		t.Error("telemetry missing from index")
	}
}

func TestEchoReturnsInput(t *testing.T) {
	eng := newEngine(t)
	input := map[string]any{"hello": "world"}

	res, err := eng.Execute(context.Background(), ByID()["echo"], "echo-1", input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.FinalOutput.(map[string]any)["hello"] != "world" {
		t.Fatalf("output = %v", res.FinalOutput)
	}
}

func TestTelemetryReplaysCleanly(t *testing.T) {
	eng := newEngine(t)
	g := ByID()["telemetry"]
	ctx := context.Background()

	res, err := eng.Execute(ctx, g, "telemetry-1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != checkpoint.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.FinalOutput.(map[string]any)["count"] != 5 {
		t.Fatalf("output = %v", res.FinalOutput)
	}

	report, err := eng.Replay(ctx, g, "telemetry-1", elg.ReplayOptions{ToStep: -1, Verify: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Divergences) != 0 {
		t.Fatalf("divergences: %+v", report.Divergences)
	}
	if report.FinalState["sum"] != res.FinalState["sum"] {
		t.Fatalf("replayed sum %v != recorded %v", report.FinalState["sum"], res.FinalState["sum"])
	}
}
