// Package policy gates graph execution through OPA. A Rego document at
// data.cmoelg.decision is consulted before a run starts (pre-execution)
// and before a run's terminal result is published (post-execution). When
// policy enforcement is disabled the evaluator allows everything.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Query is the Rego document the evaluator consults.
const Query = "data.cmoelg.decision"

// Phases passed to the policy as input.phase.
const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// Decision is the policy's answer for one gate.
type Decision struct {
	Allowed  bool
	Reason   string
	Metadata map[string]any
}

// Input is the document handed to the policy.
type Input struct {
	Phase        string
	GraphID      string
	GraphVersion string
	TraceID      string
	StepIndex    int
	NodeID       string
	Input        any
	Result       any
}

// Evaluator evaluates execution gates against a prepared Rego query.
type Evaluator struct {
	enabled  bool
	prepared rego.PreparedEvalQuery
}

// NewEvaluator loads and prepares the policy bundle at path. When enabled
// is false the path is ignored and every gate allows.
func NewEvaluator(ctx context.Context, enabled bool, path string) (*Evaluator, error) {
	if !enabled {
		return &Evaluator{}, nil
	}
	prepared, err := rego.New(
		rego.Query(Query),
		rego.Load([]string{path}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy %s: %w", path, err)
	}
	return &Evaluator{enabled: true, prepared: prepared}, nil
}

// NewEvaluatorFromModule prepares an in-memory Rego module. Used by tests
// and embedded default policies.
func NewEvaluatorFromModule(ctx context.Context, name, source string) (*Evaluator, error) {
	prepared, err := rego.New(
		rego.Query(Query),
		rego.Module(name, source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy module %s: %w", name, err)
	}
	return &Evaluator{enabled: true, prepared: prepared}, nil
}

// Enabled reports whether gates actually consult a policy.
func (e *Evaluator) Enabled() bool { return e.enabled }

// CheckPreExecution gates a run before its first step executes.
func (e *Evaluator) CheckPreExecution(ctx context.Context, in Input) (Decision, error) {
	in.Phase = PhasePre
	return e.check(ctx, in)
}

// CheckPostExecution gates a run's terminal result before publication.
func (e *Evaluator) CheckPostExecution(ctx context.Context, in Input) (Decision, error) {
	in.Phase = PhasePost
	return e.check(ctx, in)
}

func (e *Evaluator) check(ctx context.Context, in Input) (Decision, error) {
	if !e.enabled {
		return Decision{Allowed: true, Reason: "policy enforcement disabled"}, nil
	}

	doc := map[string]any{
		"phase":        in.Phase,
		"graphId":      in.GraphID,
		"graphVersion": in.GraphVersion,
		"traceId":      in.TraceID,
		"stepIndex":    in.StepIndex,
		"nodeId":       in.NodeID,
	}
	if in.Input != nil {
		doc["input"] = in.Input
	}
	if in.Result != nil {
		doc["result"] = in.Result
	}

	rs, err := e.prepared.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// Fail closed: a policy that produces no decision denies.
		return Decision{Reason: "policy produced no decision"}, nil
	}
	return parseDecision(rs[0].Expressions[0].Value), nil
}

// parseDecision accepts either a bare boolean or an object of the form
// {"allow": bool, "reason": string, "metadata": object}.
func parseDecision(value any) Decision {
	switch v := value.(type) {
	case bool:
		return Decision{Allowed: v}
	case map[string]any:
		d := Decision{}
		if allow, ok := v["allow"].(bool); ok {
			d.Allowed = allow
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
		if meta, ok := v["metadata"].(map[string]any); ok {
			d.Metadata = meta
		}
		return d
	default:
		return Decision{Reason: fmt.Sprintf("unsupported decision type %T", value)}
	}
}
