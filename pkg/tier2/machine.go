// Package tier2 drives runs: a RunStateMachine walks one routine graph and
// hands each step to tier3, and the Orchestrator wraps machines in the tier
// lifecycle with permission checks, persistence and indexing.
package tier2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
	"github.com/Mindburn-Labs/tierflow/pkg/routine"
	"github.com/Mindburn-Labs/tierflow/pkg/tier"
	"github.com/Mindburn-Labs/tierflow/pkg/tier3"
)

// State is a run state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateRunning       State = "RUNNING"
	StatePaused        State = "PAUSED"
	StateStopped       State = "STOPPED"
	StateFailed        State = "FAILED"
	StateCompleted     State = "COMPLETED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed || s == StateCompleted
}

// Command is an input to Handle.
type Command string

// CommandStartExecution starts the step loop.
const CommandStartExecution Command = "START_EXECUTION"

var (
	// ErrInvalidTransition is returned when a command does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("tier2: invalid state transition")
	// ErrUnknownCommand is returned by Handle for unrecognised commands.
	ErrUnknownCommand = errors.New("tier2: unknown command")
)

const component = "run-orchestrator"

// StepExecutor is the tier3 surface a run needs.
type StepExecutor interface {
	Execute(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput]
}

// TransitionFunc observes state changes. It runs on the goroutine that made
// the change, after the machine lock is released.
type TransitionFunc func(ctx context.Context, from, to State)

// MachineConfig wires a RunStateMachine.
type MachineConfig struct {
	RunID      string
	RoutineID  string
	Context    *tier.ExecContext
	Allocation resources.Allocation
	Navigator  routine.Navigator
	Steps      StepExecutor
	Harness    *tier.Harness
	// Tracker accumulates usage; a fresh one is used when nil.
	Tracker      *resources.Tracker
	OnTransition TransitionFunc
	Logger       *slog.Logger
}

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID   string               `json:"runId"`
	State   State                `json:"state"`
	Outputs map[string]any       `json:"outputs,omitempty"`
	Usage   resources.Usage      `json:"usage"`
	Error   *tier.ExecutionError `json:"error,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// RunStateMachine drives one run. The step loop runs on its own goroutine;
// its terminal Outcome is published by closing Done.
type RunStateMachine struct {
	cfg     MachineConfig
	tracker *resources.Tracker
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	stopReason string
	looping    bool
	wake       chan struct{}

	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

// NewRunStateMachine creates a machine in UNINITIALIZED.
func NewRunStateMachine(cfg MachineConfig) *RunStateMachine {
	if cfg.Context == nil {
		cfg.Context = &tier.ExecContext{}
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = resources.NewTracker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", component)
	}
	return &RunStateMachine{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger.With("run_id", cfg.RunID),
		state:   StateUninitialized,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (m *RunStateMachine) RunID() string { return m.cfg.RunID }

func (m *RunStateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Usage returns the usage accumulated so far.
func (m *RunStateMachine) Usage() resources.Usage { return m.tracker.Snapshot() }

// Done is closed once the run reaches a terminal state.
func (m *RunStateMachine) Done() <-chan struct{} { return m.done }

// Outcome returns the terminal outcome. It is only meaningful after Done.
func (m *RunStateMachine) Outcome() Outcome {
	<-m.done
	return m.outcome
}

// Wait blocks until the run ends or ctx is done.
func (m *RunStateMachine) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-m.done:
		return m.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// transition moves to `to` when the current state is one of from.
func (m *RunStateMachine) transition(ctx context.Context, to State, from ...State) bool {
	m.mu.Lock()
	cur := m.state
	ok := false
	for _, f := range from {
		if cur == f {
			ok = true
			break
		}
	}
	if ok {
		m.state = to
	}
	m.mu.Unlock()

	if ok {
		m.logger.Debug("run state changed", "from", cur, "to", to)
		if m.cfg.OnTransition != nil {
			m.cfg.OnTransition(ctx, cur, to)
		}
	}
	return ok
}

func (m *RunStateMachine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *RunStateMachine) emit(ctx context.Context, p events.Payload, opts ...events.Option) {
	ec := m.cfg.Context
	opts = append(opts, events.WithUserID(ec.UserID), events.WithConversationID(ec.ConversationID))
	m.cfg.Harness.Emit(ctx, events.New(events.Source{Tier: events.TierTwo, Component: component}, p, opts...))
}

// Start moves UNINITIALIZED to RUNNING and announces the run.
func (m *RunStateMachine) Start(ctx context.Context) error {
	if !m.transition(ctx, StateRunning, StateUninitialized) {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, m.State())
	}
	m.emit(ctx, events.RunStarted{RunID: m.cfg.RunID, SwarmID: m.cfg.Context.SwarmID, RoutineID: m.cfg.RoutineID})
	return nil
}

// Handle applies a command. START_EXECUTION launches the step loop once.
func (m *RunStateMachine) Handle(ctx context.Context, cmd Command) error {
	if cmd != CommandStartExecution {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	m.mu.Lock()
	if m.state != StateRunning || m.looping {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, cmd, st)
	}
	m.looping = true
	m.mu.Unlock()

	go m.loop(ctx)
	return nil
}

// RequestPause pauses a running run after its current steps settle. Pausing
// a paused run is a no-op that still reports true.
func (m *RunStateMachine) RequestPause() bool {
	if m.State() == StatePaused {
		return true
	}
	if !m.transition(context.Background(), StatePaused, StateRunning) {
		return false
	}
	m.emit(context.Background(), events.RunPaused{RunID: m.cfg.RunID, SwarmID: m.cfg.Context.SwarmID})
	return true
}

// Resume returns a paused run to RUNNING.
func (m *RunStateMachine) Resume() bool {
	if !m.transition(context.Background(), StateRunning, StatePaused) {
		return false
	}
	m.emit(context.Background(), events.RunResumed{RunID: m.cfg.RunID, SwarmID: m.cfg.Context.SwarmID})
	m.signal()
	return true
}

// RequestStop stops the run. It is cooperative: steps in flight finish and
// their results are discarded.
func (m *RunStateMachine) RequestStop(reason string) bool {
	if reason == "" {
		reason = "stop requested"
	}
	ctx := context.Background()

	m.mu.Lock()
	from := m.state
	if from.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.state = StateStopped
	m.stopReason = reason
	looping := m.looping
	m.mu.Unlock()

	m.logger.Debug("run state changed", "from", from, "to", StateStopped, "reason", reason)
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(ctx, from, StateStopped)
	}
	m.emit(ctx, events.RunStopped{RunID: m.cfg.RunID, SwarmID: m.cfg.Context.SwarmID, Reason: reason})
	m.signal()
	if !looping {
		m.finish(ctx, Outcome{State: StateStopped, Reason: reason})
	}
	return true
}

// finish publishes the terminal outcome exactly once.
func (m *RunStateMachine) finish(ctx context.Context, out Outcome) {
	m.once.Do(func() {
		out.RunID = m.cfg.RunID
		out.Usage = m.tracker.Snapshot()
		switch out.State {
		case StateCompleted:
			m.emit(ctx, events.RunCompleted{RunID: m.cfg.RunID, SwarmID: m.cfg.Context.SwarmID, Outputs: out.Outputs, Usage: out.Usage})
		case StateFailed:
			m.emit(ctx, events.RunFailed{RunID: m.cfg.RunID, SwarmID: m.cfg.Context.SwarmID, Error: out.Error.Error(), Usage: out.Usage},
				events.WithPriority(events.PriorityHigh))
		}
		m.outcome = out
		close(m.done)
	})
}

func (m *RunStateMachine) fail(ctx context.Context, err *tier.ExecutionError) {
	if !m.transition(ctx, StateFailed, StateRunning, StatePaused) {
		m.finishStopped(ctx)
		return
	}
	m.logger.Warn("run failed", "error", err)
	m.finish(ctx, Outcome{State: StateFailed, Error: err, Outputs: m.cfg.Navigator.Outputs()})
}

func (m *RunStateMachine) finishStopped(ctx context.Context) {
	m.mu.Lock()
	reason := m.stopReason
	m.mu.Unlock()
	m.finish(ctx, Outcome{State: StateStopped, Reason: reason, Outputs: m.cfg.Navigator.Outputs()})
}

// awaitRunnable blocks while paused. It returns false once the run is
// stopped or ctx ends.
func (m *RunStateMachine) awaitRunnable(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		switch m.State() {
		case StateRunning:
			return true
		case StatePaused:
		default:
			return false
		}
		select {
		case <-m.wake:
		case <-ctx.Done():
			return false
		}
	}
}

func (m *RunStateMachine) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(ctx, tier.NewError(tier.ErrorUnknown, "PANIC", fmt.Sprintf("run loop panic: %v", r)))
		}
	}()

	for {
		if !m.awaitRunnable(ctx) {
			if err := ctx.Err(); err != nil && !m.State().Terminal() {
				m.RequestStop(err.Error())
			}
			m.finishStopped(ctx)
			return
		}

		refs, err := m.cfg.Navigator.NextSteps(ctx, routine.RunState{RunID: m.cfg.RunID, Usage: m.tracker.Snapshot()})
		if err != nil {
			m.fail(ctx, tier.Errorf(tier.ErrorInfrastructure, "NAVIGATION_FAILED", "navigator: %w", err))
			return
		}
		if len(refs) == 0 {
			if m.cfg.Navigator.IsComplete() {
				if m.transition(ctx, StateCompleted, StateRunning) {
					m.finish(ctx, Outcome{State: StateCompleted, Outputs: m.cfg.Navigator.Outputs()})
				} else {
					m.finishStopped(ctx)
				}
				return
			}
			m.fail(ctx, tier.NewError(tier.ErrorDelegation, "NAVIGATION_STALLED", "navigator has no runnable steps but the routine is incomplete"))
			return
		}

		results := m.runBatch(ctx, refs)
		if m.State() == StateStopped {
			m.finishStopped(ctx)
			return
		}
		if err := m.settle(ctx, refs, results); err != nil {
			m.fail(ctx, err)
			return
		}
	}
}

type stepOutcome struct {
	ran bool
	res tier.Result[tier3.StepOutput]
}

// runBatch executes one navigator cycle. Distinct branches run concurrently
// up to MaxConcurrentSteps; steps sharing a branch run in order and a failed
// step skips the rest of its branch.
func (m *RunStateMachine) runBatch(ctx context.Context, refs []routine.StepRef) []stepOutcome {
	var order []string
	branches := make(map[string][]int)
	for i, ref := range refs {
		if _, ok := branches[ref.BranchID]; !ok {
			order = append(order, ref.BranchID)
		}
		branches[ref.BranchID] = append(branches[ref.BranchID], i)
	}

	alloc := m.stepAllocation(len(order))
	results := make([]stepOutcome, len(refs))

	var g errgroup.Group
	if limit := m.cfg.Allocation.MaxConcurrentSteps; limit > 0 {
		g.SetLimit(limit)
	}
	for _, branch := range order {
		idxs := branches[branch]
		g.Go(func() error {
			for _, i := range idxs {
				res := m.runStep(ctx, refs[i], alloc)
				results[i] = stepOutcome{ran: true, res: res}
				if !res.Success {
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// stepAllocation splits what is left of the run budget across branches.
func (m *RunStateMachine) stepAllocation(branches int) resources.Allocation {
	remaining := resources.Remaining(m.cfg.Allocation, m.tracker.Snapshot())
	if branches <= 1 {
		return remaining
	}
	child, err := resources.CreateChildAllocation(remaining, 1/float64(branches), resources.StrategyEqualSplit)
	if err != nil {
		return remaining
	}
	return child
}

func (m *RunStateMachine) runStep(ctx context.Context, ref routine.StepRef, alloc resources.Allocation) tier.Result[tier3.StepOutput] {
	ec := m.cfg.Context.Clone()
	ec.RunID = m.cfg.RunID
	ec.StepID = ref.StepID
	return m.cfg.Steps.Execute(ctx, tier.Request[*tier3.StepInput]{
		Context:    ec,
		Allocation: &alloc,
		Input:      tier3.FromStepRef(ref),
	})
}

// settle records results in navigator order, charges usage and returns the
// first failure.
func (m *RunStateMachine) settle(ctx context.Context, refs []routine.StepRef, results []stepOutcome) *tier.ExecutionError {
	var firstErr *tier.ExecutionError
	for i, ref := range refs {
		out := results[i]
		if !out.ran {
			continue
		}
		res := out.res
		sr := routine.StepResult{StepID: ref.StepID, Success: res.Success, Output: res.Output.Output}
		if res.ResourcesUsed != nil {
			sr.Usage = *res.ResourcesUsed
			used := sr.Usage
			used.DurationMs = 0
			m.tracker.Record(used)
		}
		if !res.Success {
			sr.Error = errorText(res.Error)
		}
		if err := m.cfg.Navigator.RecordStepResult(ref.StepID, sr); err != nil {
			return tier.Errorf(tier.ErrorInfrastructure, "NAVIGATION_FAILED", "record %s: %w", ref.StepID, err)
		}
		if !res.Success && firstErr == nil {
			firstErr = stepFailure(ref.StepID, res.Error)
		}
	}
	if firstErr != nil {
		return firstErr
	}

	usage := m.tracker.Snapshot()
	usage.DurationMs = 0
	if err := resources.CheckUsage(m.cfg.Allocation, usage); err != nil {
		m.emit(ctx, events.BudgetExceeded{
			ScopeID:    m.cfg.RunID,
			Tier:       events.TierTwo,
			Allocation: m.cfg.Allocation,
			Usage:      m.tracker.Snapshot(),
			Reason:     err.Error(),
		}, events.WithPriority(events.PriorityHigh))
		return tier.Errorf(tier.ErrorResource, "BUDGET_EXCEEDED", "run %s: %w", m.cfg.RunID, err)
	}
	return nil
}

func errorText(e *tier.ExecutionError) string {
	if e == nil {
		return "step failed"
	}
	return e.Error()
}

// stepFailure wraps a tier3 failure as a delegation error. Rate-limit
// denials keep their type and retry hint.
func stepFailure(stepID string, cause *tier.ExecutionError) *tier.ExecutionError {
	if cause == nil {
		return tier.NewError(tier.ErrorDelegation, "STEP_FAILED", fmt.Sprintf("step %s failed", stepID)).
			WithContext("step_id", stepID)
	}
	out := tier.Errorf(tier.ErrorDelegation, "STEP_FAILED", "step %s failed: %w", stepID, cause)
	if cause.Type == tier.ErrorRateLimit {
		out.Type = tier.ErrorRateLimit
		out.RetryAfterMs = cause.RetryAfterMs
	}
	out.WithContext("step_id", stepID).WithContext("step_error_type", string(cause.Type))
	return out
}
