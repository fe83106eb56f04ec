// Package tier holds the execution contract shared by all three tiers and the
// WithErrorHandling wrapper that gives every tier the same lifecycle:
// validation, execution and cleanup, with standardized failures, resource
// tracking and lifecycle events.
package tier

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

// ExecContext identifies what an execution belongs to. It travels from tier
// to tier unchanged except for the ids each tier adds.
type ExecContext struct {
	SwarmID        string         `json:"swarmId,omitempty"`
	RunID          string         `json:"runId,omitempty"`
	StepID         string         `json:"stepId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Values         map[string]any `json:"values,omitempty"`
}

// Clone returns a copy safe to modify.
func (c *ExecContext) Clone() *ExecContext {
	if c == nil {
		return &ExecContext{}
	}
	out := *c
	if c.Values != nil {
		out.Values = make(map[string]any, len(c.Values))
		for k, v := range c.Values {
			out.Values[k] = v
		}
	}
	return &out
}

// Options tune one execution.
type Options struct {
	// Timeout bounds the wait for ExecuteImpl. Zero means no bound.
	Timeout  time.Duration
	Strategy resources.Strategy
}

// Request is passed into every tier.
type Request[I any] struct {
	Context    *ExecContext
	Allocation *resources.Allocation
	Input      I
	Options    Options
}

// Metadata describes who produced a result.
type Metadata struct {
	ExecutionID string             `json:"executionId"`
	Tier        events.Tier        `json:"tier"`
	Strategy    resources.Strategy `json:"strategy,omitempty"`
	Version     string             `json:"version"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Result is the uniform contract every tier returns on success and failure.
type Result[O any] struct {
	Success          bool             `json:"success"`
	Output           O                `json:"output,omitempty"`
	Error            *ExecutionError  `json:"error,omitempty"`
	ResourcesUsed    *resources.Usage `json:"resourcesUsed"`
	Duration         time.Duration    `json:"duration"`
	Context          *ExecContext     `json:"context,omitempty"`
	Metadata         Metadata         `json:"metadata"`
	Confidence       float64          `json:"confidence"`
	PerformanceScore float64          `json:"performanceScore"`
}

// Err returns the result error as an error value, or nil on success.
func (r Result[O]) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return r.Error
}

// Executor is implemented by each tier. ExecuteImpl records consumption on
// tracker; the wrapper snapshots it when the execution fails.
type Executor[I, O any] interface {
	Tier() events.Tier
	ExecuteImpl(ctx context.Context, req Request[I], tracker *resources.Tracker) (Result[O], error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc[I, O any] struct {
	TierName events.Tier
	Fn       func(ctx context.Context, req Request[I], tracker *resources.Tracker) (Result[O], error)
}

func (f ExecutorFunc[I, O]) Tier() events.Tier { return f.TierName }

func (f ExecutorFunc[I, O]) ExecuteImpl(ctx context.Context, req Request[I], tracker *resources.Tracker) (Result[O], error) {
	return f.Fn(ctx, req, tracker)
}
