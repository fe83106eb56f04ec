package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

// Severity of a gate denial, reported in safety alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// GateRule is a CEL expression over step and allocation that must hold for a
// step to run.
type GateRule struct {
	Name     string   `yaml:"name"`
	Expr     string   `yaml:"expr"`
	Reason   string   `yaml:"reason"`
	Severity Severity `yaml:"severity"`
}

// StepFacts is what the gate sees of a step.
type StepFacts struct {
	ID               string
	Name             string
	Kind             string
	Tool             string
	Params           map[string]any
	EstimatedCredits int64
}

// Verdict is the gate outcome. Rule and Reason are set on denial.
type Verdict struct {
	Allowed  bool
	Rule     string
	Reason   string
	Severity Severity
}

// DefaultGateRules returns the stock rule set.
func DefaultGateRules() []GateRule {
	return []GateRule{
		{
			Name:     "known-step-kind",
			Expr:     `step.kind in ["tool", "wasm", "noop"]`,
			Reason:   "unknown step kind",
			Severity: SeverityHigh,
		},
		{
			Name:     "tool-named",
			Expr:     `step.kind != "tool" || step.tool != ""`,
			Reason:   "tool step without a tool name",
			Severity: SeverityMedium,
		},
		{
			Name:     "non-negative-estimate",
			Expr:     `step.estimatedCredits >= 0`,
			Reason:   "negative credit estimate",
			Severity: SeverityMedium,
		},
	}
}

// Gate is the security check every step passes before execution.
type Gate struct {
	eval  *evaluator
	rules []GateRule
}

// NewGate compiles rules. An empty rule set allows every step.
func NewGate(rules ...GateRule) (*Gate, error) {
	ev, err := newEvaluator(
		cel.Variable("step", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("allocation", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if _, err := ev.program(r.Expr); err != nil {
			return nil, fmt.Errorf("gate rule %q: %w", r.Name, err)
		}
	}
	return &Gate{eval: ev, rules: append([]GateRule(nil), rules...)}, nil
}

// Check evaluates every rule in order and stops at the first denial. An
// evaluation error denies.
func (g *Gate) Check(ctx context.Context, step StepFacts, alloc resources.Allocation) Verdict {
	if err := ctx.Err(); err != nil {
		return Verdict{Rule: "context", Reason: err.Error(), Severity: SeverityLow}
	}

	params := step.Params
	if params == nil {
		params = map[string]any{}
	}
	maxCredits := int64(-1)
	if !alloc.MaxCredits.IsUnlimited() {
		maxCredits = alloc.MaxCredits.Int64()
	}
	input := map[string]any{
		"step": map[string]any{
			"id":               step.ID,
			"name":             step.Name,
			"kind":             step.Kind,
			"tool":             step.Tool,
			"params":           params,
			"estimatedCredits": step.EstimatedCredits,
		},
		"allocation": map[string]any{
			"maxCredits":         maxCredits,
			"maxDurationMs":      alloc.MaxDurationMs,
			"maxMemoryMB":        alloc.MaxMemoryMB,
			"maxConcurrentSteps": int64(alloc.MaxConcurrentSteps),
		},
	}

	for _, r := range g.rules {
		allowed, err := g.eval.eval(r.Expr, input)
		if err != nil {
			return Verdict{Rule: r.Name, Reason: fmt.Sprintf("rule evaluation failed: %v", err), Severity: SeverityHigh}
		}
		if !allowed {
			sev := r.Severity
			if sev == "" {
				sev = SeverityMedium
			}
			return Verdict{Rule: r.Name, Reason: r.Reason, Severity: sev}
		}
	}
	return Verdict{Allowed: true}
}
