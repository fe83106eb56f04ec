// Package tier3 executes single steps: it gates them, charges them, calls
// the tool or sandboxed module behind them and reports their usage.
package tier3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/eventbus"
	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/policy"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
	"github.com/Mindburn-Labs/tierflow/pkg/routine"
	"github.com/Mindburn-Labs/tierflow/pkg/sandbox"
	"github.com/Mindburn-Labs/tierflow/pkg/tier"
)

const component = "step-executor"

// StepInput is one step to execute.
type StepInput struct {
	StepID           string           `json:"stepId"`
	Name             string           `json:"name,omitempty"`
	Kind             routine.StepKind `json:"kind"`
	Tool             string           `json:"tool,omitempty"`
	Module           string           `json:"module,omitempty"`
	Params           map[string]any   `json:"params,omitempty"`
	Inputs           map[string]any   `json:"inputs,omitempty"`
	EstimatedCredits int64            `json:"estimatedCredits,omitempty"`
}

// FromStepRef builds the input for a navigator step.
func FromStepRef(ref routine.StepRef) *StepInput {
	s := ref.Step
	return &StepInput{
		StepID:           ref.StepID,
		Name:             s.Name,
		Kind:             s.Kind,
		Tool:             s.Tool,
		Module:           s.Module,
		Params:           s.Params,
		Inputs:           ref.Inputs,
		EstimatedCredits: s.Credits,
	}
}

// StepOutput is the step result payload.
type StepOutput struct {
	StepID string         `json:"stepId"`
	Output map[string]any `json:"output"`
}

// Executor is the tier3 executor.
type Executor struct {
	harness *tier.Harness
	gate    *policy.Gate
	tools   *ToolRegistry
	sandbox sandbox.Sandbox
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithGate sets the security gate. Without one every step passes.
func WithGate(g *policy.Gate) Option { return func(e *Executor) { e.gate = g } }

// WithTools sets the tool registry.
func WithTools(r *ToolRegistry) Option { return func(e *Executor) { e.tools = r } }

// WithSandbox sets the sandbox wasm steps run in.
func WithSandbox(s sandbox.Sandbox) Option { return func(e *Executor) { e.sandbox = s } }

// New creates a tier3 executor.
func New(h *tier.Harness, opts ...Option) *Executor {
	if h == nil {
		h = tier.NewHarness()
	}
	e := &Executor{
		harness: h,
		tools:   NewToolRegistry(),
		logger:  h.Logger().With("tier", events.TierThree),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Tier() events.Tier { return events.TierThree }

// Tools returns the tool registry.
func (e *Executor) Tools() *ToolRegistry { return e.tools }

// Execute runs one step under the standard tier lifecycle.
func (e *Executor) Execute(ctx context.Context, req tier.Request[*StepInput]) tier.Result[StepOutput] {
	return tier.WithErrorHandling[*StepInput, StepOutput](ctx, e.harness, e, req)
}

func (e *Executor) ExecuteImpl(ctx context.Context, req tier.Request[*StepInput], tracker *resources.Tracker) (res tier.Result[StepOutput], err error) {
	in := req.Input
	alloc := *req.Allocation
	ec := req.Context
	log := e.logger.With("run_id", ec.RunID, "step_id", in.StepID)

	defer func() {
		if err != nil {
			log.Warn("step failed", "error", err)
			e.emitStep(ctx, ec, events.StepFailed{RunID: ec.RunID, StepID: in.StepID, Error: err.Error()})
		}
	}()

	if in.StepID == "" {
		return res, tier.NewError(tier.ErrorValidation, "MISSING_STEP_ID", "step id is required")
	}

	if err := e.checkGate(ctx, ec, in, alloc); err != nil {
		return res, err
	}

	if !alloc.MaxCredits.Covers(in.EstimatedCredits) {
		return res, tier.NewError(tier.ErrorResource, "INSUFFICIENT_CREDITS",
			fmt.Sprintf("step %s needs %d credits, allocation allows %s", in.StepID, in.EstimatedCredits, alloc.MaxCredits)).
			WithContext("estimated", in.EstimatedCredits)
	}

	e.emitStep(ctx, ec, events.StepStarted{RunID: ec.RunID, StepID: in.StepID, Name: in.Name})

	var out map[string]any
	usage := resources.Usage{StepsExecuted: 1}
	switch in.Kind {
	case routine.KindTool:
		out, usage, err = e.runTool(ctx, ec, in, usage)
	case routine.KindWasm:
		out, usage, err = e.runModule(ctx, in, alloc, usage)
	case routine.KindNoop, "":
		out = maps.Clone(in.Params)
		if out == nil {
			out = map[string]any{}
		}
		usage.CreditsUsed = in.EstimatedCredits
	default:
		err = tier.NewError(tier.ErrorValidation, "UNKNOWN_STEP_KIND", fmt.Sprintf("unknown step kind %q", in.Kind))
	}
	// A failed step still pays for what it consumed.
	tracker.Record(usage)
	if err != nil {
		return res, err
	}

	snapshot := tracker.Snapshot()
	e.emitStep(ctx, ec, events.StepCompleted{RunID: ec.RunID, StepID: in.StepID, Usage: snapshot})
	log.Debug("step completed", "credits", usage.CreditsUsed)

	return tier.Result[StepOutput]{
		Success:       true,
		Output:        StepOutput{StepID: in.StepID, Output: out},
		ResourcesUsed: &snapshot,
		Confidence:    1,
	}, nil
}

// checkGate denies the step when a gate rule fails and raises a safety alert.
func (e *Executor) checkGate(ctx context.Context, ec *tier.ExecContext, in *StepInput, alloc resources.Allocation) error {
	if e.gate == nil {
		return nil
	}
	verdict := e.gate.Check(ctx, policy.StepFacts{
		ID:               in.StepID,
		Name:             in.Name,
		Kind:             string(in.Kind),
		Tool:             in.Tool,
		Params:           in.Params,
		EstimatedCredits: in.EstimatedCredits,
	}, alloc)
	if verdict.Allowed {
		return nil
	}

	reason := verdict.Reason
	if reason == "" {
		reason = "denied by rule " + verdict.Rule
	}
	e.harness.Emit(ctx, events.New(
		events.Source{Tier: events.TierSafety, Component: "security-gate"},
		events.SafetyAlert{RunID: ec.RunID, StepID: in.StepID, Rule: verdict.Rule, Reason: reason, Severity: string(verdict.Severity)},
		events.WithUserID(ec.UserID),
		events.WithConversationID(ec.ConversationID),
		events.WithPriority(events.PriorityCritical),
	))
	return tier.NewError(tier.ErrorSecurity, "SECURITY_BLOCKED", fmt.Sprintf("step %s blocked: %s", in.StepID, reason)).
		WithContext("rule", verdict.Rule)
}

func (e *Executor) runTool(ctx context.Context, ec *tier.ExecContext, in *StepInput, usage resources.Usage) (map[string]any, resources.Usage, error) {
	if err := e.announceToolCall(ctx, ec, in); err != nil {
		return nil, usage, err
	}

	res, err := e.tools.Invoke(ctx, in.Tool, in.Params, in.Inputs)
	switch {
	case errors.Is(err, ErrToolNotFound):
		return nil, usage, tier.Errorf(tier.ErrorNotFound, "TOOL_NOT_FOUND", "%w", err)
	case errors.Is(err, ErrInvalidParams):
		return nil, usage, tier.Errorf(tier.ErrorValidation, "INVALID_PARAMS", "%w", err)
	case err != nil:
		usage.CreditsUsed = res.CreditsUsed
		return nil, usage, tier.Errorf(tier.ErrorInfrastructure, "TOOL_FAILED", "tool %s: %w", in.Tool, err)
	}

	usage.CreditsUsed = res.CreditsUsed
	if usage.CreditsUsed == 0 {
		usage.CreditsUsed = in.EstimatedCredits
	}
	usage.MemoryUsedMB = res.MemoryUsedMB
	return res.Output, usage, nil
}

// announceToolCall publishes step.tool_call. The bus rate limits it; a denial
// fails the step with a retry hint.
func (e *Executor) announceToolCall(ctx context.Context, ec *tier.ExecContext, in *StepInput) error {
	pub := e.harness.Publisher()
	if pub == nil {
		return nil
	}
	ev := events.New(events.Source{Tier: events.TierThree, Component: component},
		events.ToolCall{RunID: ec.RunID, StepID: in.StepID, ToolName: in.Tool},
		events.WithUserID(ec.UserID),
		events.WithConversationID(ec.ConversationID),
		events.WithPriority(events.PriorityHigh),
	)
	pr := pub.Publish(ctx, ev)
	if pr.Success {
		return nil
	}

	if errors.Is(pr.Err, eventbus.ErrRateLimited) {
		out := tier.Errorf(tier.ErrorRateLimit, "RATE_LIMITED", "tool call %s rate limited: %w", in.Tool, pr.Err)
		if pr.Decision != nil {
			out.RetryAfterMs = pr.Decision.RetryAfterMs
			out.WithContext("limit_type", string(pr.Decision.LimitType))
		}
		return out
	}
	return tier.Errorf(tier.ErrorInfrastructure, "PUBLISH_FAILED", "tool call %s: %w", in.Tool, pr.Err)
}

type moduleInput struct {
	StepID string         `json:"stepId"`
	Params map[string]any `json:"params"`
	Inputs map[string]any `json:"inputs"`
}

func (e *Executor) runModule(ctx context.Context, in *StepInput, alloc resources.Allocation, usage resources.Usage) (map[string]any, resources.Usage, error) {
	if e.sandbox == nil {
		return nil, usage, tier.NewError(tier.ErrorInfrastructure, "NO_SANDBOX", "no sandbox configured for wasm steps")
	}

	payload, err := json.Marshal(moduleInput{StepID: in.StepID, Params: in.Params, Inputs: in.Inputs})
	if err != nil {
		return nil, usage, tier.Errorf(tier.ErrorValidation, "INVALID_PARAMS", "encode module input: %w", err)
	}

	var limits sandbox.Limits
	if alloc.MaxMemoryMB > 0 {
		limits.MemoryLimitBytes = alloc.MaxMemoryMB * 1024 * 1024
	}
	if alloc.MaxDurationMs > 0 {
		limits.CPUTimeLimit = time.Duration(alloc.MaxDurationMs) * time.Millisecond
	}

	raw, err := e.sandbox.Run(ctx, in.Module, payload, limits)
	if errors.Is(err, sandbox.ErrModuleNotFound) {
		return nil, usage, tier.Errorf(tier.ErrorNotFound, "MODULE_NOT_FOUND", "%w", err)
	}

	// From here on the module ran and is charged, success or not.
	usage.CreditsUsed = in.EstimatedCredits
	if limits.MemoryLimitBytes > 0 {
		usage.MemoryUsedMB = alloc.MaxMemoryMB
	}
	switch {
	case sandbox.IsLimitError(err):
		return nil, usage, tier.Errorf(tier.ErrorResource, "SANDBOX_LIMIT", "module %s: %w", in.Module, err)
	case err != nil:
		return nil, usage, tier.Errorf(tier.ErrorInfrastructure, "MODULE_FAILED", "module %s: %w", in.Module, err)
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, usage, tier.Errorf(tier.ErrorInfrastructure, "MODULE_OUTPUT", "module %s returned invalid JSON: %w", in.Module, err)
		}
	}
	return out, usage, nil
}

// emitStep publishes a step lifecycle event when the step belongs to a run.
func (e *Executor) emitStep(ctx context.Context, ec *tier.ExecContext, p events.Payload) {
	if ec.RunID == "" {
		return
	}
	e.harness.Emit(ctx, events.New(events.Source{Tier: events.TierThree, Component: component}, p,
		events.WithUserID(ec.UserID),
		events.WithConversationID(ec.ConversationID),
	))
}
