package events

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

// Topics. These strings are the wire contract between tiers.
const (
	TopicSwarmStarted      = "swarm.started"
	TopicSwarmCompleted    = "swarm.completed"
	TopicSwarmFailed       = "swarm.failed"
	TopicSwarmCancelled    = "swarm.cancelled"
	TopicSwarmStateChanged = "swarm.state_changed"

	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
	TopicRunPaused    = "run.paused"
	TopicRunResumed   = "run.resumed"
	TopicRunStopped   = "run.stopped"

	TopicStepStarted   = "step.started"
	TopicStepCompleted = "step.completed"
	TopicStepFailed    = "step.failed"
	TopicStepToolCall  = "step.tool_call"

	TopicTierExecutionCompleted = "tier.execution.completed"
	TopicTierExecutionFailed    = "tier.execution.failed"

	TopicRateLimited       = "resource/rate_limited"
	TopicResourceAllocated = "resource.allocated"
	TopicResourceUsage     = "resource.usage"
	TopicBudgetExceeded    = "resource.budget_exceeded"

	TopicTierSnapshot = "metrics.tier_snapshot"
	TopicSafetyAlert  = "safety.alert"
)

// Payload is the closed set of typed event bodies. Only this package can
// define variants.
type Payload interface {
	Topic() string
	isPayload()
}

type payload struct{}

func (payload) isPayload() {}

// SwarmStarted is published when a coordinator accepts a swarm.
type SwarmStarted struct {
	payload
	SwarmID    string               `json:"swarmId"`
	Goal       string               `json:"goal"`
	UserID     string               `json:"userId"`
	RunCount   int                  `json:"runCount"`
	Allocation resources.Allocation `json:"allocation"`
}

type SwarmCompleted struct {
	payload
	SwarmID string          `json:"swarmId"`
	Outputs map[string]any  `json:"outputs"`
	Usage   resources.Usage `json:"usage"`
}

type SwarmFailed struct {
	payload
	SwarmID        string          `json:"swarmId"`
	Error          string          `json:"error"`
	PartialOutputs map[string]any  `json:"partialOutputs,omitempty"`
	Usage          resources.Usage `json:"usage"`
}

type SwarmCancelled struct {
	payload
	SwarmID string `json:"swarmId"`
	Reason  string `json:"reason"`
}

type SwarmStateChanged struct {
	payload
	SwarmID string `json:"swarmId"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type RunStarted struct {
	payload
	RunID     string `json:"runId"`
	SwarmID   string `json:"swarmId,omitempty"`
	RoutineID string `json:"routineId"`
}

// RunCompleted carries the navigator outputs of a finished run.
type RunCompleted struct {
	payload
	RunID   string          `json:"runId"`
	SwarmID string          `json:"swarmId,omitempty"`
	Outputs map[string]any  `json:"outputs"`
	Usage   resources.Usage `json:"usage"`
}

type RunFailed struct {
	payload
	RunID   string          `json:"runId"`
	SwarmID string          `json:"swarmId,omitempty"`
	Error   string          `json:"error"`
	Usage   resources.Usage `json:"usage"`
}

type RunPaused struct {
	payload
	RunID   string `json:"runId"`
	SwarmID string `json:"swarmId,omitempty"`
}

type RunResumed struct {
	payload
	RunID   string `json:"runId"`
	SwarmID string `json:"swarmId,omitempty"`
}

type RunStopped struct {
	payload
	RunID   string `json:"runId"`
	SwarmID string `json:"swarmId,omitempty"`
	Reason  string `json:"reason"`
}

type StepStarted struct {
	payload
	RunID  string `json:"runId"`
	StepID string `json:"stepId"`
	Name   string `json:"name"`
}

type StepCompleted struct {
	payload
	RunID  string          `json:"runId"`
	StepID string          `json:"stepId"`
	Usage  resources.Usage `json:"usage"`
}

type StepFailed struct {
	payload
	RunID  string `json:"runId"`
	StepID string `json:"stepId"`
	Error  string `json:"error"`
}

// ToolCall is published before a tier3 step dispatches an external tool.
// It is the most expensive event class for rate limiting.
type ToolCall struct {
	payload
	RunID    string `json:"runId"`
	StepID   string `json:"stepId"`
	ToolName string `json:"toolName"`
}

type TierExecutionCompleted struct {
	payload
	Tier        Tier            `json:"tier"`
	ExecutionID string          `json:"executionId"`
	SwarmID     string          `json:"swarmId"`
	Success     bool            `json:"success"`
	DurationMs  int64           `json:"durationMs"`
	Usage       resources.Usage `json:"usage"`
}

type TierExecutionFailed struct {
	payload
	Tier        Tier            `json:"tier"`
	ExecutionID string          `json:"executionId"`
	SwarmID     string          `json:"swarmId"`
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	ErrorType   string          `json:"errorType"`
	Phase       string          `json:"phase"`
	DurationMs  int64           `json:"durationMs"`
	Usage       resources.Usage `json:"usage"`
}

// RateLimited is emitted by the bus when a publish is denied.
type RateLimited struct {
	payload
	OriginalEventID   string `json:"originalEventId"`
	OriginalEventType string `json:"originalEventType"`
	UserID            string `json:"userId,omitempty"`
	RetryAfterMs      int64  `json:"retryAfterMs"`
	LimitType         string `json:"limitType"`
}

type ResourceAllocated struct {
	payload
	ScopeID    string               `json:"scopeId"`
	Tier       Tier                 `json:"tier"`
	Allocation resources.Allocation `json:"allocation"`
}

type ResourceUsage struct {
	payload
	ScopeID string          `json:"scopeId"`
	Tier    Tier            `json:"tier"`
	Usage   resources.Usage `json:"usage"`
}

type BudgetExceeded struct {
	payload
	ScopeID    string               `json:"scopeId"`
	Tier       Tier                 `json:"tier"`
	Allocation resources.Allocation `json:"allocation"`
	Usage      resources.Usage      `json:"usage"`
	Reason     string               `json:"reason"`
}

// TierSnapshot is a periodic aggregate published by a tier.
type TierSnapshot struct {
	payload
	Tier        Tier  `json:"tier"`
	Active      int   `json:"active"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	CreditsUsed int64 `json:"creditsUsed"`
}

// SafetyAlert is published when the security gate blocks a step.
type SafetyAlert struct {
	payload
	RunID    string `json:"runId,omitempty"`
	StepID   string `json:"stepId"`
	Rule     string `json:"rule"`
	Reason   string `json:"reason"`
	Severity string `json:"severity"`
}

func (SwarmStarted) Topic() string           { return TopicSwarmStarted }
func (SwarmCompleted) Topic() string         { return TopicSwarmCompleted }
func (SwarmFailed) Topic() string            { return TopicSwarmFailed }
func (SwarmCancelled) Topic() string         { return TopicSwarmCancelled }
func (SwarmStateChanged) Topic() string      { return TopicSwarmStateChanged }
func (RunStarted) Topic() string             { return TopicRunStarted }
func (RunCompleted) Topic() string           { return TopicRunCompleted }
func (RunFailed) Topic() string              { return TopicRunFailed }
func (RunPaused) Topic() string              { return TopicRunPaused }
func (RunResumed) Topic() string             { return TopicRunResumed }
func (RunStopped) Topic() string             { return TopicRunStopped }
func (StepStarted) Topic() string            { return TopicStepStarted }
func (StepCompleted) Topic() string          { return TopicStepCompleted }
func (StepFailed) Topic() string             { return TopicStepFailed }
func (ToolCall) Topic() string               { return TopicStepToolCall }
func (TierExecutionCompleted) Topic() string { return TopicTierExecutionCompleted }
func (TierExecutionFailed) Topic() string    { return TopicTierExecutionFailed }
func (RateLimited) Topic() string            { return TopicRateLimited }
func (ResourceAllocated) Topic() string      { return TopicResourceAllocated }
func (ResourceUsage) Topic() string          { return TopicResourceUsage }
func (BudgetExceeded) Topic() string         { return TopicBudgetExceeded }
func (TierSnapshot) Topic() string           { return TopicTierSnapshot }
func (SafetyAlert) Topic() string            { return TopicSafetyAlert }

var decoders = map[string]func(json.RawMessage) (Payload, error){
	TopicSwarmStarted:           decodeAs[SwarmStarted],
	TopicSwarmCompleted:         decodeAs[SwarmCompleted],
	TopicSwarmFailed:            decodeAs[SwarmFailed],
	TopicSwarmCancelled:         decodeAs[SwarmCancelled],
	TopicSwarmStateChanged:      decodeAs[SwarmStateChanged],
	TopicRunStarted:             decodeAs[RunStarted],
	TopicRunCompleted:           decodeAs[RunCompleted],
	TopicRunFailed:              decodeAs[RunFailed],
	TopicRunPaused:              decodeAs[RunPaused],
	TopicRunResumed:             decodeAs[RunResumed],
	TopicRunStopped:             decodeAs[RunStopped],
	TopicStepStarted:            decodeAs[StepStarted],
	TopicStepCompleted:          decodeAs[StepCompleted],
	TopicStepFailed:             decodeAs[StepFailed],
	TopicStepToolCall:           decodeAs[ToolCall],
	TopicTierExecutionCompleted: decodeAs[TierExecutionCompleted],
	TopicTierExecutionFailed:    decodeAs[TierExecutionFailed],
	TopicRateLimited:            decodeAs[RateLimited],
	TopicResourceAllocated:      decodeAs[ResourceAllocated],
	TopicResourceUsage:          decodeAs[ResourceUsage],
	TopicBudgetExceeded:         decodeAs[BudgetExceeded],
	TopicTierSnapshot:           decodeAs[TierSnapshot],
	TopicSafetyAlert:            decodeAs[SafetyAlert],
}

func decodeAs[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodePayload decodes raw JSON into the payload type registered for topic.
func DecodePayload(topic string, raw json.RawMessage) (Payload, error) {
	decode, ok := decoders[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	p, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", topic, err)
	}
	return p, nil
}

// Topics returns every topic with a registered payload.
func Topics() []string {
	out := make([]string, 0, len(decoders))
	for topic := range decoders {
		out = append(out, topic)
	}
	return out
}
