package policy

import (
	"context"
	"testing"
)

const gatePolicy = `package cmoelg

default decision := {"allow": false, "reason": "graph not allowed"}

decision := {"allow": true, "reason": "ok", "metadata": {"tier": "standard"}} if {
	input.graphId != "forbidden"
	not deny_post
}

deny_post if {
	input.phase == "post"
	input.result.status == "ABORTED"
}
`

func TestDisabledEvaluatorAllows(t *testing.T) {
	e, err := NewEvaluator(context.Background(), false, "")
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	d, err := e.CheckPreExecution(context.Background(), Input{GraphID: "forbidden"})
	if err != nil || !d.Allowed {
		t.Errorf("decision = %+v, err %v", d, err)
	}
	if e.Enabled() {
		t.Error("Enabled() = true for disabled evaluator")
	}
}

func TestPreExecutionGate(t *testing.T) {
	ctx := context.Background()
	e, err := NewEvaluatorFromModule(ctx, "gate.rego", gatePolicy)
	if err != nil {
		t.Fatalf("NewEvaluatorFromModule: %v", err)
	}

	d, err := e.CheckPreExecution(ctx, Input{GraphID: "checkout-flow", TraceID: "t1"})
	if err != nil {
		t.Fatalf("CheckPreExecution: %v", err)
	}
	if !d.Allowed || d.Reason != "ok" {
		t.Errorf("decision = %+v", d)
	}
	if d.Metadata["tier"] != "standard" {
		t.Errorf("metadata = %v", d.Metadata)
	}

	d, err = e.CheckPreExecution(ctx, Input{GraphID: "forbidden"})
	if err != nil {
		t.Fatalf("CheckPreExecution: %v", err)
	}
	if d.Allowed || d.Reason != "graph not allowed" {
		t.Errorf("decision = %+v", d)
	}
}

func TestPostExecutionGate(t *testing.T) {
	ctx := context.Background()
	e, err := NewEvaluatorFromModule(ctx, "gate.rego", gatePolicy)
	if err != nil {
		t.Fatalf("NewEvaluatorFromModule: %v", err)
	}

	d, err := e.CheckPostExecution(ctx, Input{
		GraphID: "checkout-flow",
		Result:  map[string]any{"status": "COMPLETED"},
	})
	if err != nil || !d.Allowed {
		t.Errorf("completed run: decision = %+v, err %v", d, err)
	}

	d, err = e.CheckPostExecution(ctx, Input{
		GraphID: "checkout-flow",
		Result:  map[string]any{"status": "ABORTED"},
	})
	if err != nil {
		t.Fatalf("CheckPostExecution: %v", err)
	}
	if d.Allowed {
		t.Errorf("aborted run allowed: %+v", d)
	}
}

func TestBareBooleanDecision(t *testing.T) {
	ctx := context.Background()
	e, err := NewEvaluatorFromModule(ctx, "bool.rego", `package cmoelg

default decision := false

decision if input.phase == "pre"
`)
	if err != nil {
		t.Fatalf("NewEvaluatorFromModule: %v", err)
	}

	d, err := e.CheckPreExecution(ctx, Input{GraphID: "g"})
	if err != nil || !d.Allowed {
		t.Errorf("pre: decision = %+v, err %v", d, err)
	}
	d, err = e.CheckPostExecution(ctx, Input{GraphID: "g"})
	if err != nil || d.Allowed {
		t.Errorf("post: decision = %+v, err %v", d, err)
	}
}
