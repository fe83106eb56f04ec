package tier2

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tierflow/pkg/eventbus"
	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
	"github.com/Mindburn-Labs/tierflow/pkg/routine"
	"github.com/Mindburn-Labs/tierflow/pkg/tier"
	"github.com/Mindburn-Labs/tierflow/pkg/tier3"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == topic {
			n++
		}
	}
	return n
}

func (r *recorder) first(topic string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == topic {
			return ev, true
		}
	}
	return events.Event{}, false
}

func newHarness(t *testing.T) (*tier.Harness, *recorder) {
	t.Helper()
	bus := eventbus.New()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	rec := &recorder{}
	_, err := bus.Subscribe("*", rec.handle, eventbus.SubscribeOptions{Mode: eventbus.ModeSync})
	require.NoError(t, err)
	return tier.NewHarness(tier.WithPublisher(bus)), rec
}

// stepFunc adapts a function to StepExecutor.
type stepFunc func(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput]

func (f stepFunc) Execute(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
	return f(ctx, req)
}

func okStep(credits int64) stepFunc {
	return func(_ context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		return tier.Result[tier3.StepOutput]{
			Success:       true,
			Output:        tier3.StepOutput{StepID: req.Input.StepID, Output: map[string]any{"done": req.Input.StepID}},
			ResourcesUsed: &resources.Usage{CreditsUsed: credits, StepsExecuted: 1},
		}
	}
}

// countingNavigator records RecordStepResult calls.
type countingNavigator struct {
	routine.Navigator
	mu       sync.Mutex
	recorded []string
}

func (n *countingNavigator) RecordStepResult(stepID string, res routine.StepResult) error {
	n.mu.Lock()
	n.recorded = append(n.recorded, stepID)
	n.mu.Unlock()
	return n.Navigator.RecordStepResult(stepID, res)
}

func (n *countingNavigator) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.recorded...)
}

func sequential() *routine.Routine {
	return &routine.Routine{
		ID: "seq", Name: "Sequential", Version: "1.0.0",
		Steps: []routine.Step{
			{ID: "s1", Kind: routine.KindNoop},
			{ID: "s2", Kind: routine.KindNoop, DependsOn: []string{"s1"}},
			{ID: "s3", Kind: routine.KindNoop, DependsOn: []string{"s2"}},
		},
	}
}

func budget(credits int64) resources.Allocation {
	return resources.Allocation{
		MaxCredits:         resources.NewCredits(credits),
		MaxDurationMs:      resources.Unbounded,
		MaxMemoryMB:        resources.Unbounded,
		MaxConcurrentSteps: 4,
	}
}

func newMachine(t *testing.T, r *routine.Routine, steps StepExecutor, alloc resources.Allocation) (*RunStateMachine, *countingNavigator, *recorder) {
	t.Helper()
	h, rec := newHarness(t)
	nav := &countingNavigator{Navigator: routine.NewGraphNavigator(r)}
	m := NewRunStateMachine(MachineConfig{
		RunID:      "run-1",
		RoutineID:  r.VersionID(),
		Context:    &tier.ExecContext{SwarmID: "swarm-1", UserID: "u1"},
		Allocation: alloc,
		Navigator:  nav,
		Steps:      steps,
		Harness:    h,
	})
	return m, nav, rec
}

func waitOutcome(t *testing.T, m *RunStateMachine) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := m.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestMachine_ThreeSequentialSteps(t *testing.T) {
	var calls atomic.Int64
	steps := stepFunc(func(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		calls.Add(1)
		return okStep(10)(ctx, req)
	})
	m, nav, rec := newMachine(t, sequential(), steps, budget(100))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateRunning, m.State())
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))

	out := waitOutcome(t, m)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, StateCompleted, m.State())
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, []string{"s1", "s2", "s3"}, nav.calls())
	assert.Equal(t, int64(30), out.Usage.CreditsUsed)
	assert.Equal(t, 3, out.Usage.StepsExecuted)
	assert.Len(t, out.Outputs, 3)

	assert.Equal(t, 1, rec.count(events.TopicRunStarted))
	assert.Equal(t, 1, rec.count(events.TopicRunCompleted))
	assert.Equal(t, 0, rec.count(events.TopicRunFailed))
	ev, _ := rec.first(events.TopicRunCompleted)
	assert.Equal(t, "run-1", ev.Data.(events.RunCompleted).RunID)
	assert.Equal(t, events.TierTwo, ev.Source.Tier)
}

func TestMachine_FirstStepRejects(t *testing.T) {
	var calls atomic.Int64
	steps := stepFunc(func(_ context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		calls.Add(1)
		return tier.Result[tier3.StepOutput]{
			Error:         tier.NewError(tier.ErrorInfrastructure, "TIER3_EXECUTION_FAILED", "tool exploded"),
			ResourcesUsed: &resources.Usage{},
		}
	})
	m, nav, rec := newMachine(t, sequential(), steps, budget(100))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))

	out := waitOutcome(t, m)
	assert.Equal(t, StateFailed, out.State)
	require.NotNil(t, out.Error)
	assert.Equal(t, "STEP_FAILED", out.Error.Code)
	assert.Equal(t, tier.ErrorDelegation, out.Error.Type)
	assert.Equal(t, "s1", out.Error.Context["step_id"])
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, []string{"s1"}, nav.calls(), "no step after the failing one is recorded")

	assert.Equal(t, 1, rec.count(events.TopicRunFailed))
	assert.Equal(t, 0, rec.count(events.TopicRunCompleted))
}

func TestMachine_RateLimitedStepKeepsRetryHint(t *testing.T) {
	steps := stepFunc(func(context.Context, tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		e := tier.NewError(tier.ErrorRateLimit, "TIER3_EXECUTION_FAILED", "rate limited")
		e.RetryAfterMs = 900
		return tier.Result[tier3.StepOutput]{Error: e, ResourcesUsed: &resources.Usage{}}
	})
	m, _, _ := newMachine(t, sequential(), steps, budget(100))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))

	out := waitOutcome(t, m)
	require.Equal(t, StateFailed, out.State)
	assert.Equal(t, tier.ErrorRateLimit, out.Error.Type)
	assert.Equal(t, int64(900), out.Error.RetryAfterMs)
}

func TestMachine_PauseIsIdempotentAndResumes(t *testing.T) {
	release := make(chan struct{})
	steps := stepFunc(func(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		if req.Input.StepID == "s1" {
			<-release
		}
		return okStep(1)(ctx, req)
	})
	m, nav, rec := newMachine(t, sequential(), steps, budget(100))

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.RequestPause())
	assert.Equal(t, StatePaused, m.State())
	assert.True(t, m.RequestPause())
	assert.Equal(t, StatePaused, m.State())
	assert.Equal(t, 1, rec.count(events.TopicRunPaused))

	require.ErrorIs(t, m.Handle(context.Background(), CommandStartExecution), ErrInvalidTransition)
	require.True(t, m.Resume())
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))
	close(release)

	out := waitOutcome(t, m)
	assert.Equal(t, StateCompleted, out.State)
	assert.Len(t, nav.calls(), 3)
	assert.Equal(t, 1, rec.count(events.TopicRunResumed))
	assert.False(t, m.Resume(), "completed runs cannot resume")
	assert.False(t, m.RequestPause())
}

func TestMachine_PausedLoopWaitsForResume(t *testing.T) {
	firstDone := make(chan struct{})
	var once sync.Once
	steps := stepFunc(func(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		once.Do(func() { close(firstDone) })
		return okStep(1)(ctx, req)
	})
	m, nav, _ := newMachine(t, sequential(), steps, budget(100))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))
	<-firstDone
	require.True(t, m.RequestPause())

	time.Sleep(50 * time.Millisecond)
	select {
	case <-m.Done():
		// The pause raced the whole routine; nothing left to check.
		return
	default:
	}
	recorded := len(nav.calls())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, recorded, len(nav.calls()), "no steps run while paused")

	require.True(t, m.Resume())
	assert.Equal(t, StateCompleted, waitOutcome(t, m).State)
}

func TestMachine_StopIsCooperative(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	steps := stepFunc(func(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		calls.Add(1)
		if req.Input.StepID == "s1" {
			close(entered)
			<-release
		}
		return okStep(1)(ctx, req)
	})
	m, _, rec := newMachine(t, sequential(), steps, budget(100))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))
	<-entered

	assert.True(t, m.RequestStop("operator"))
	assert.Equal(t, StateStopped, m.State())
	assert.False(t, m.RequestStop("again"))

	select {
	case <-m.Done():
		t.Fatal("stop must not interrupt the step in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	out := waitOutcome(t, m)
	assert.Equal(t, StateStopped, out.State)
	assert.Equal(t, "operator", out.Reason)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, rec.count(events.TopicRunStopped))
	assert.Equal(t, 0, rec.count(events.TopicRunCompleted)+rec.count(events.TopicRunFailed))
}

func TestMachine_StopBeforeLoop(t *testing.T) {
	m, _, _ := newMachine(t, sequential(), okStep(1), budget(100))
	require.NoError(t, m.Start(context.Background()))
	require.True(t, m.RequestStop(""))
	out := waitOutcome(t, m)
	assert.Equal(t, StateStopped, out.State)
	assert.Equal(t, "stop requested", out.Reason)
	require.ErrorIs(t, m.Handle(context.Background(), CommandStartExecution), ErrInvalidTransition)
}

func TestMachine_InvalidCommands(t *testing.T) {
	m, _, _ := newMachine(t, sequential(), okStep(1), budget(100))
	require.ErrorIs(t, m.Handle(context.Background(), CommandStartExecution), ErrInvalidTransition)
	require.ErrorIs(t, m.Handle(context.Background(), "JUMP"), ErrUnknownCommand)
	assert.False(t, m.RequestPause(), "cannot pause before start")

	require.NoError(t, m.Start(context.Background()))
	require.ErrorIs(t, m.Start(context.Background()), ErrInvalidTransition)
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))
	require.ErrorIs(t, m.Handle(context.Background(), CommandStartExecution), ErrInvalidTransition)
	waitOutcome(t, m)
}

func TestMachine_IndependentBranchesRunConcurrently(t *testing.T) {
	r := &routine.Routine{
		ID: "fan", Name: "Fan", Version: "1.0.0",
		Steps: []routine.Step{
			{ID: "left", Kind: routine.KindNoop},
			{ID: "right", Kind: routine.KindNoop},
			{ID: "join", Kind: routine.KindNoop, DependsOn: []string{"left", "right"}},
		},
	}

	var inFlight, peak atomic.Int64
	both := make(chan struct{})
	var once sync.Once
	var allocs sync.Map
	steps := stepFunc(func(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		allocs.Store(req.Input.StepID, *req.Allocation)
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if req.Input.StepID != "join" {
			if n == 2 {
				once.Do(func() { close(both) })
			}
			select {
			case <-both:
			case <-time.After(2 * time.Second):
			}
		}
		return okStep(5)(ctx, req)
	})
	m, nav, _ := newMachine(t, r, steps, budget(100))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))
	out := waitOutcome(t, m)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, int64(2), peak.Load(), "branches overlap")
	assert.Equal(t, []string{"left", "right", "join"}, nav.calls(), "results are recorded in navigator order")

	left, _ := allocs.Load("left")
	assert.Equal(t, int64(50), left.(resources.Allocation).MaxCredits.Int64(), "two branches split the remaining budget")
	join, _ := allocs.Load("join")
	assert.Equal(t, int64(90), join.(resources.Allocation).MaxCredits.Int64())
}

func TestMachine_ConcurrencyLimitSerializesBranches(t *testing.T) {
	r := &routine.Routine{
		ID: "fan", Name: "Fan", Version: "1.0.0",
		Steps: []routine.Step{{ID: "a", Kind: routine.KindNoop}, {ID: "b", Kind: routine.KindNoop}, {ID: "c", Kind: routine.KindNoop}},
	}
	var inFlight, peak atomic.Int64
	steps := stepFunc(func(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		return okStep(1)(ctx, req)
	})
	alloc := budget(100)
	alloc.MaxConcurrentSteps = 1
	m, _, _ := newMachine(t, r, steps, alloc)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))
	assert.Equal(t, StateCompleted, waitOutcome(t, m).State)
	assert.Equal(t, int64(1), peak.Load())
}

func TestMachine_BudgetExceeded(t *testing.T) {
	m, nav, rec := newMachine(t, sequential(), okStep(60), budget(100))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))

	out := waitOutcome(t, m)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, tier.ErrorResource, out.Error.Type)
	assert.Equal(t, "BUDGET_EXCEEDED", out.Error.Code)
	assert.Equal(t, []string{"s1", "s2"}, nav.calls())
	assert.Equal(t, 1, rec.count(events.TopicBudgetExceeded))
	assert.Equal(t, 1, rec.count(events.TopicRunFailed))
}

func TestMachine_StalledNavigatorFails(t *testing.T) {
	r := sequential()
	steps := stepFunc(func(ctx context.Context, req tier.Request[*tier3.StepInput]) tier.Result[tier3.StepOutput] {
		return okStep(1)(ctx, req)
	})
	h, _ := newHarness(t)
	m := NewRunStateMachine(MachineConfig{
		RunID:      "run-stall",
		Allocation: budget(10),
		Navigator:  stalledNavigator{Navigator: routine.NewGraphNavigator(r)},
		Steps:      steps,
		Harness:    h,
	})
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))
	out := waitOutcome(t, m)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "NAVIGATION_STALLED", out.Error.Code)
}

type stalledNavigator struct{ routine.Navigator }

func (stalledNavigator) NextSteps(context.Context, routine.RunState) ([]routine.StepRef, error) {
	return nil, nil
}

func TestMachine_TransitionHook(t *testing.T) {
	h, _ := newHarness(t)
	var mu sync.Mutex
	var seen []string
	m := NewRunStateMachine(MachineConfig{
		RunID:      "run-hook",
		Allocation: budget(100),
		Navigator:  routine.NewGraphNavigator(sequential()),
		Steps:      okStep(1),
		Harness:    h,
		OnTransition: func(_ context.Context, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, string(from)+">"+string(to))
		},
	})
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Handle(context.Background(), CommandStartExecution))
	waitOutcome(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"UNINITIALIZED>RUNNING", "RUNNING>COMPLETED"}, seen)
}
