package tier2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/index"
	"github.com/Mindburn-Labs/tierflow/pkg/policy"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
	"github.com/Mindburn-Labs/tierflow/pkg/routine"
	"github.com/Mindburn-Labs/tierflow/pkg/store"
	"github.com/Mindburn-Labs/tierflow/pkg/tier"
)

// IndexNamespace is the state-index namespace for runs.
const IndexNamespace = "runs"

// ErrRunNotFound is returned for run ids with no active machine.
var ErrRunNotFound = errors.New("tier2: run not active")

// RunInput asks for one run of a routine version. RunID is generated when
// empty. Timeout bounds the run; zero falls back to the allocation duration
// and then to the orchestrator default.
type RunInput struct {
	RunID            string        `json:"runId,omitempty"`
	RoutineVersionID string        `json:"routineVersionId"`
	Timeout          time.Duration `json:"timeout,omitempty"`
}

// RunOutput is what a finished run returns. Failed and stopped runs carry
// the outputs of the steps that succeeded.
type RunOutput struct {
	RunID     string         `json:"runId"`
	RoutineID string         `json:"routineId"`
	State     State          `json:"state"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Orchestrator is the tier2 executor.
type Orchestrator struct {
	harness    *tier.Harness
	steps      StepExecutor
	routines   routine.Loader
	auth       policy.Checker
	runs       store.RunStore
	index      *index.Manager
	navigators routine.NavigatorFactory
	timeout    time.Duration
	logger     *slog.Logger

	mu     sync.RWMutex
	active map[string]*RunStateMachine
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPermissions sets the auth collaborator. Default allows everything.
func WithPermissions(c policy.Checker) Option { return func(o *Orchestrator) { o.auth = c } }

// WithRunStore sets where run records are persisted. Default is in memory.
func WithRunStore(s store.RunStore) Option { return func(o *Orchestrator) { o.runs = s } }

// WithIndex mirrors run states into the Redis state index.
func WithIndex(m *index.Manager) Option { return func(o *Orchestrator) { o.index = m } }

// WithNavigatorFactory replaces the graph navigator.
func WithNavigatorFactory(f routine.NavigatorFactory) Option {
	return func(o *Orchestrator) { o.navigators = f }
}

// WithDefaultTimeout bounds runs that set no timeout of their own.
func WithDefaultTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New creates an orchestrator that runs routines from routines on steps.
func New(h *tier.Harness, steps StepExecutor, routines routine.Loader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		harness:    h,
		steps:      steps,
		routines:   routines,
		auth:       policy.AllowAll(),
		runs:       store.NewMemoryRunStore(),
		navigators: routine.NewGraphNavigator,
		logger:     slog.Default().With("component", component),
		active:     make(map[string]*RunStateMachine),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.index != nil {
		o.index.DeclareStates(IndexNamespace, string(StateRunning), string(StatePaused),
			string(StateStopped), string(StateFailed), string(StateCompleted))
	}
	return o
}

func (o *Orchestrator) Tier() events.Tier { return events.TierTwo }

// Execute runs one routine under the standard tier lifecycle.
func (o *Orchestrator) Execute(ctx context.Context, req tier.Request[RunInput]) tier.Result[RunOutput] {
	return tier.WithErrorHandling[RunInput, RunOutput](ctx, o.harness, o, req)
}

func (o *Orchestrator) ExecuteImpl(ctx context.Context, req tier.Request[RunInput], tracker *resources.Tracker) (tier.Result[RunOutput], error) {
	in := req.Input
	ec := req.Context.Clone()
	if in.RoutineVersionID == "" {
		return tier.Result[RunOutput]{}, tier.NewError(tier.ErrorValidation, "MISSING_ROUTINE", "routine version id is required")
	}

	allowed, err := o.auth.CheckPermission(ctx, ec.UserID, policy.ActionRunStart, in.RoutineVersionID)
	if err != nil {
		return tier.Result[RunOutput]{}, tier.Errorf(tier.ErrorInfrastructure, "PERMISSION_CHECK_FAILED", "permission check: %w", err)
	}
	if !allowed {
		return tier.Result[RunOutput]{}, tier.NewError(tier.ErrorPermission, "PERMISSION_DENIED",
			fmt.Sprintf("user %s may not start routine %s", ec.UserID, in.RoutineVersionID))
	}

	if o.routines == nil {
		return tier.Result[RunOutput]{}, tier.NewError(tier.ErrorInfrastructure, "NO_ROUTINE_STORE", "no routine store configured")
	}
	r, err := o.routines.LoadRoutine(ctx, in.RoutineVersionID)
	if err != nil {
		return tier.Result[RunOutput]{}, tier.Errorf(tier.ErrorInfrastructure, "ROUTINE_LOAD_FAILED", "load routine %s: %w", in.RoutineVersionID, err)
	}
	if r == nil {
		return tier.Result[RunOutput]{}, tier.NewError(tier.ErrorNotFound, "ROUTINE_NOT_FOUND",
			"Routine version not found: "+in.RoutineVersionID)
	}

	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ec.RunID = runID
	alloc := *req.Allocation
	log := o.logger.With("run_id", runID, "routine", r.VersionID(), "swarm_id", ec.SwarmID)

	if err := o.runs.CreateRun(ctx, store.Run{
		ID:         runID,
		SwarmID:    ec.SwarmID,
		RoutineID:  r.VersionID(),
		UserID:     ec.UserID,
		Status:     store.StatusPending,
		Allocation: alloc,
	}); err != nil {
		return tier.Result[RunOutput]{}, tier.Errorf(tier.ErrorInfrastructure, "PERSISTENCE_FAILED", "create run: %w", err)
	}
	if o.index != nil && ec.SwarmID != "" {
		if err := o.index.AddToSet(ctx, "swarm:"+ec.SwarmID+":runs", runID); err != nil {
			log.Warn("index swarm runs failed", "error", err)
		}
	}

	m := NewRunStateMachine(MachineConfig{
		RunID:        runID,
		RoutineID:    r.VersionID(),
		Context:      ec,
		Allocation:   alloc,
		Navigator:    o.navigators(r),
		Steps:        o.steps,
		Harness:      o.harness,
		Tracker:      tracker,
		OnTransition: o.onTransition(runID),
		Logger:       o.logger,
	})
	if !o.register(m) {
		return tier.Result[RunOutput]{}, tier.NewError(tier.ErrorValidation, "DUPLICATE_RUN", "run "+runID+" is already active")
	}

	o.harness.Emit(ctx, events.New(events.Source{Tier: events.TierTwo, Component: component},
		events.ResourceAllocated{ScopeID: runID, Tier: events.TierTwo, Allocation: alloc},
		events.WithUserID(ec.UserID)))

	if err := m.Start(ctx); err != nil {
		o.unregister(runID)
		return tier.Result[RunOutput]{}, tier.Errorf(tier.ErrorInfrastructure, "RUN_START_FAILED", "%w", err)
	}
	if err := m.Handle(ctx, CommandStartExecution); err != nil {
		m.RequestStop(err.Error())
		o.finalizeRun(context.WithoutCancel(ctx), m)
		return tier.Result[RunOutput]{}, tier.Errorf(tier.ErrorInfrastructure, "RUN_START_FAILED", "%w", err)
	}
	log.Info("run started", "timeout", o.runTimeout(in, alloc))

	var timer <-chan time.Time
	if d := o.runTimeout(in, alloc); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-m.Done():
		out := o.finalizeRun(ctx, m)
		return runResult(r.VersionID(), out), nil
	case <-timer:
		m.RequestStop("timeout")
		go o.finalizeRun(context.WithoutCancel(ctx), m)
		return tier.Result[RunOutput]{}, tier.NewError(tier.ErrorTimeout, "RUN_TIMEOUT",
			fmt.Sprintf("run %s did not finish within %s", runID, o.runTimeout(in, alloc))).WithContext("run_id", runID)
	case <-ctx.Done():
		m.RequestStop(ctx.Err().Error())
		go o.finalizeRun(context.WithoutCancel(ctx), m)
		return tier.Result[RunOutput]{}, ctx.Err()
	}
}

func (o *Orchestrator) runTimeout(in RunInput, alloc resources.Allocation) time.Duration {
	switch {
	case in.Timeout > 0:
		return in.Timeout
	case alloc.MaxDurationMs > 0:
		return time.Duration(alloc.MaxDurationMs) * time.Millisecond
	default:
		return o.timeout
	}
}

// runResult turns a machine outcome into the tier2 result. Failed and stopped
// runs are logical failures that keep their partial outputs.
func runResult(routineID string, out Outcome) tier.Result[RunOutput] {
	res := tier.Result[RunOutput]{
		Success: out.State == StateCompleted,
		Output: RunOutput{
			RunID:     out.RunID,
			RoutineID: routineID,
			State:     out.State,
			Outputs:   out.Outputs,
			Reason:    out.Reason,
		},
		ResourcesUsed: &out.Usage,
		Confidence:    1,
	}
	switch out.State {
	case StateCompleted:
		return res
	case StateFailed:
		res.Error = tier.Standardize(events.TierTwo, out.Error)
	default:
		res.Error = tier.Standardize(events.TierTwo, tier.NewError(tier.ErrorCancelled, "RUN_STOPPED", "run stopped: "+out.Reason))
	}
	res.Confidence = 0
	return res
}

// onTransition mirrors state changes into the run store and the index.
// Terminal states are persisted by finalizeRun with the full outcome.
func (o *Orchestrator) onTransition(runID string) TransitionFunc {
	return func(ctx context.Context, from, to State) {
		ctx = context.WithoutCancel(ctx)
		if !to.Terminal() {
			if err := o.runs.UpdateRunStatus(ctx, runID, string(to)); err != nil {
				o.logger.Warn("persist run status failed", "run_id", runID, "status", to, "error", err)
			}
		}
		if o.index != nil {
			prev := string(from)
			if from == StateUninitialized {
				prev = ""
			}
			if err := o.index.UpdateStateIndex(ctx, IndexNamespace, runID, prev, string(to)); err != nil {
				o.logger.Warn("run state index update failed", "run_id", runID, "error", err)
			}
		}
	}
}

// finalizeRun waits for the machine, persists its outcome and drops it from
// the active registry.
func (o *Orchestrator) finalizeRun(ctx context.Context, m *RunStateMachine) Outcome {
	out := m.Outcome()
	c := store.Completion{Status: string(out.State), Outputs: out.Outputs, Usage: out.Usage, Error: out.Reason}
	if out.Error != nil {
		c.Error = out.Error.Error()
	}
	if err := o.runs.CompleteRun(ctx, out.RunID, c); err != nil {
		o.logger.Warn("persist run outcome failed", "run_id", out.RunID, "error", err)
	}
	o.unregister(out.RunID)
	o.logger.Info("run finished", "run_id", out.RunID, "state", out.State, "credits", out.Usage.CreditsUsed)
	return out
}

func (o *Orchestrator) register(m *RunStateMachine) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[m.RunID()]; ok {
		return false
	}
	o.active[m.RunID()] = m
	return true
}

func (o *Orchestrator) unregister(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runID)
}

func (o *Orchestrator) machine(runID string) (*RunStateMachine, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.active[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return m, nil
}

// PauseRun pauses an active run.
func (o *Orchestrator) PauseRun(runID string) (bool, error) {
	m, err := o.machine(runID)
	if err != nil {
		return false, err
	}
	return m.RequestPause(), nil
}

// ResumeRun resumes a paused run.
func (o *Orchestrator) ResumeRun(runID string) (bool, error) {
	m, err := o.machine(runID)
	if err != nil {
		return false, err
	}
	return m.Resume(), nil
}

// StopRun stops an active run cooperatively.
func (o *Orchestrator) StopRun(runID, reason string) (bool, error) {
	m, err := o.machine(runID)
	if err != nil {
		return false, err
	}
	return m.RequestStop(reason), nil
}

// RunState reports the state of an active run.
func (o *Orchestrator) RunState(runID string) (State, bool) {
	m, err := o.machine(runID)
	if err != nil {
		return "", false
	}
	return m.State(), true
}

// ActiveRuns lists active run ids in sorted order.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Runs returns the run store.
func (o *Orchestrator) Runs() store.RunStore { return o.runs }
