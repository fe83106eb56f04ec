package routine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

var (
	// ErrUnknownStep is returned when a result names a step the routine lacks.
	ErrUnknownStep = errors.New("routine: unknown step")
	// ErrNotDispatched is returned when a result arrives for a step that was
	// never handed out.
	ErrNotDispatched = errors.New("routine: step was not dispatched")
)

// StepRef is a step handed to the run. Steps with different BranchIDs are
// independent and may run concurrently; steps sharing one run in order.
type StepRef struct {
	StepID   string
	BranchID string
	Step     Step
	// Inputs holds the outputs of the step's dependencies keyed by step id.
	Inputs map[string]any
}

// StepResult is what the run reports back for a step.
type StepResult struct {
	StepID  string          `json:"stepId"`
	Success bool            `json:"success"`
	Output  map[string]any  `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Usage   resources.Usage `json:"usage"`
}

// RunState is the view of the run the navigator may consult.
type RunState struct {
	RunID string
	Usage resources.Usage
}

// Navigator walks a routine graph. NextSteps returns no steps once nothing
// is ready; IsComplete then tells whether the walk finished.
type Navigator interface {
	NextSteps(ctx context.Context, state RunState) ([]StepRef, error)
	RecordStepResult(stepID string, result StepResult) error
	IsComplete() bool
	Outputs() map[string]any
}

// NavigatorFactory builds a fresh navigator per run.
type NavigatorFactory func(r *Routine) Navigator

// GraphNavigator yields steps in dependency order. Every ready step is
// yielded exactly once; its branch is the step's Branch or its own id.
type GraphNavigator struct {
	routine *Routine

	mu         sync.Mutex
	dispatched map[string]bool
	results    map[string]StepResult
}

// NewGraphNavigator creates a navigator over r.
func NewGraphNavigator(r *Routine) Navigator {
	return &GraphNavigator{
		routine:    r,
		dispatched: make(map[string]bool, len(r.Steps)),
		results:    make(map[string]StepResult, len(r.Steps)),
	}
}

func (n *GraphNavigator) NextSteps(ctx context.Context, _ RunState) ([]StepRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var ready []StepRef
	for _, s := range n.routine.Steps {
		if n.dispatched[s.ID] || !n.depsSucceeded(s) {
			continue
		}
		n.dispatched[s.ID] = true

		branch := s.Branch
		if branch == "" {
			branch = s.ID
		}
		inputs := make(map[string]any, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			inputs[dep] = n.results[dep].Output
		}
		ready = append(ready, StepRef{StepID: s.ID, BranchID: branch, Step: s, Inputs: inputs})
	}
	return ready, nil
}

func (n *GraphNavigator) depsSucceeded(s Step) bool {
	for _, dep := range s.DependsOn {
		res, ok := n.results[dep]
		if !ok || !res.Success {
			return false
		}
	}
	return true
}

func (n *GraphNavigator) RecordStepResult(stepID string, result StepResult) error {
	if _, ok := n.routine.Step(stepID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.dispatched[stepID] {
		return fmt.Errorf("%w: %s", ErrNotDispatched, stepID)
	}
	result.StepID = stepID
	n.results[stepID] = result
	return nil
}

func (n *GraphNavigator) IsComplete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.routine.Steps {
		if res, ok := n.results[s.ID]; !ok || !res.Success {
			return false
		}
	}
	return true
}

// Outputs maps step id to step output for every successful step.
func (n *GraphNavigator) Outputs() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]any, len(n.results))
	for id, res := range n.results {
		if res.Success {
			out[id] = res.Output
		}
	}
	return out
}
