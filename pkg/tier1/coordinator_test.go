package tier1

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tierflow/pkg/eventbus"
	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/index"
	"github.com/Mindburn-Labs/tierflow/pkg/policy"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
	"github.com/Mindburn-Labs/tierflow/pkg/routine"
	"github.com/Mindburn-Labs/tierflow/pkg/tier"
	"github.com/Mindburn-Labs/tierflow/pkg/tier2"
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

func newBus(t *testing.T) (*eventbus.Bus, *recorder) {
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
	return bus, rec
}

// fakeRuns is a scripted tier2.
type fakeRuns struct {
	run  func(ctx context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput]
	stop func(runID, reason string) (bool, error)

	mu   sync.Mutex
	reqs []tier.Request[tier2.RunInput]
}

func (f *fakeRuns) Execute(ctx context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.run(ctx, req)
}

func (f *fakeRuns) StopRun(runID, reason string) (bool, error) {
	if f.stop == nil {
		return false, tier2.ErrRunNotFound
	}
	return f.stop(runID, reason)
}

func (f *fakeRuns) requests() map[string]tier.Request[tier2.RunInput] {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]tier.Request[tier2.RunInput], len(f.reqs))
	for _, r := range f.reqs {
		out[r.Input.RoutineVersionID] = r
	}
	return out
}

func succeed(credits int64) func(context.Context, tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
	return func(_ context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
		return tier.Result[tier2.RunOutput]{
			Success: true,
			Output: tier2.RunOutput{
				RunID:   req.Input.RunID,
				State:   tier2.StateCompleted,
				Outputs: map[string]any{"routine": req.Input.RoutineVersionID},
			},
			ResourcesUsed: &resources.Usage{CreditsUsed: credits, StepsExecuted: 1},
		}
	}
}

func swarmRequest(routines ...string) SwarmRequest {
	req := SwarmRequest{
		SwarmInput: SwarmInput{Goal: "triage inbox"},
		UserID:     "u1",
		Allocation: resources.Allocation{
			MaxCredits:         resources.NewCredits(100),
			MaxDurationMs:      60000,
			MaxMemoryMB:        256,
			MaxConcurrentSteps: 4,
		},
	}
	for _, r := range routines {
		req.Runs = append(req.Runs, RunSpec{RoutineVersionID: r})
	}
	return req
}

func waitSwarm(t *testing.T, c *Coordinator, id string) Swarm {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return s
}

func TestStartSwarm_CompletesAndAggregates(t *testing.T) {
	bus, rec := newBus(t)
	runs := &fakeRuns{run: succeed(10)}
	c := New(tier.NewHarness(tier.WithPublisher(bus)), runs)

	id, err := c.StartSwarm(context.Background(), swarmRequest("a", "b"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s := waitSwarm(t, c, id)
	assert.Equal(t, StateCompleted, s.State)
	assert.Nil(t, s.Error)
	assert.NotNil(t, s.CompletedAt)
	assert.Len(t, s.Outputs, 2)
	assert.Equal(t, int64(20), s.Usage.CreditsUsed)
	require.Len(t, s.Runs, 2)
	for _, r := range s.Runs {
		assert.Equal(t, tier2.StateCompleted, r.State)
		assert.Equal(t, int64(50), r.Allocation.MaxCredits.Int64())
		assert.Equal(t, resources.StrategyEqualSplit, r.Allocation.Strategy)
	}

	reqs := runs.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, id, reqs["a"].Context.SwarmID)
	assert.Equal(t, "u1", reqs["a"].Context.UserID)
	assert.NotEmpty(t, reqs["a"].Input.RunID)

	assert.Equal(t, 1, rec.count(events.TopicSwarmStarted))
	assert.Equal(t, 1, rec.count(events.TopicSwarmCompleted))
	assert.Equal(t, 2, rec.count(events.TopicSwarmStateChanged))
	assert.Equal(t, 1, rec.count(events.TopicTierSnapshot))
	assert.Equal(t, 1, rec.count(events.TopicTierExecutionCompleted))
}

func TestStartSwarm_WeightedSplit(t *testing.T) {
	runs := &fakeRuns{run: succeed(1)}
	c := New(tier.NewHarness(), runs)

	req := swarmRequest()
	req.Runs = []RunSpec{{RoutineVersionID: "big", Weight: 3}, {RoutineVersionID: "small", Weight: 1}}
	id, err := c.StartSwarm(context.Background(), req)
	require.NoError(t, err)
	waitSwarm(t, c, id)

	reqs := runs.requests()
	assert.Equal(t, int64(75), reqs["big"].Allocation.MaxCredits.Int64())
	assert.Equal(t, int64(25), reqs["small"].Allocation.MaxCredits.Int64())
	assert.Equal(t, int64(45000), reqs["big"].Allocation.MaxDurationMs)
	assert.Equal(t, resources.StrategyWeighted, reqs["small"].Allocation.Strategy)
}

func TestStartSwarm_FailedRunKeepsPartialOutputs(t *testing.T) {
	bus, rec := newBus(t)
	runs := &fakeRuns{run: func(ctx context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
		if req.Input.RoutineVersionID == "bad" {
			return tier.Result[tier2.RunOutput]{
				Output:        tier2.RunOutput{RunID: req.Input.RunID, State: tier2.StateFailed},
				Error:         tier.NewError(tier.ErrorDelegation, "TIER2_EXECUTION_FAILED", "step s1 failed"),
				ResourcesUsed: &resources.Usage{CreditsUsed: 3},
			}
		}
		return succeed(5)(ctx, req)
	}}
	c := New(tier.NewHarness(tier.WithPublisher(bus)), runs)

	id, err := c.StartSwarm(context.Background(), swarmRequest("good", "bad"))
	require.NoError(t, err)
	s := waitSwarm(t, c, id)

	assert.Equal(t, StateFailed, s.State)
	require.NotNil(t, s.Error)
	assert.Equal(t, "RUNS_FAILED", s.Error.Code)
	assert.Len(t, s.Outputs, 1, "only the completed run contributes outputs")
	assert.Equal(t, int64(8), s.Usage.CreditsUsed)

	states := map[string]tier2.State{}
	for _, r := range s.Runs {
		states[r.RoutineVersionID] = r.State
	}
	assert.Equal(t, tier2.StateCompleted, states["good"])
	assert.Equal(t, tier2.StateFailed, states["bad"])

	assert.Equal(t, 1, rec.count(events.TopicSwarmFailed))
	assert.Equal(t, 0, rec.count(events.TopicSwarmCompleted))
}

func TestExecute_ReturnsStandardizedFailure(t *testing.T) {
	runs := &fakeRuns{run: func(_ context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
		return tier.Result[tier2.RunOutput]{Error: tier.NewError(tier.ErrorTimeout, "RUN_TIMEOUT", "too slow")}
	}}
	c := New(tier.NewHarness(), runs)
	req := swarmRequest("slow")

	res := c.Execute(context.Background(), tier.Request[SwarmInput]{
		Context:    &tier.ExecContext{UserID: "u1"},
		Allocation: &req.Allocation,
		Input:      req.SwarmInput,
	})
	require.False(t, res.Success)
	assert.Equal(t, "TIER1_EXECUTION_FAILED", res.Error.Code)
	assert.Equal(t, "RUNS_FAILED", res.Error.Context["cause_code"])
	assert.Equal(t, StateFailed, res.Output.State)
	assert.Equal(t, tier2.StateFailed, res.Output.Runs[0].State)
	assert.Zero(t, res.Confidence)

	again := c.Execute(context.Background(), tier.Request[SwarmInput]{
		Context:    &tier.ExecContext{UserID: "u1"},
		Allocation: &req.Allocation,
		Input:      SwarmInput{SwarmID: res.Output.SwarmID, Runs: req.Runs},
	})
	require.False(t, again.Success)
	assert.Equal(t, "DUPLICATE_SWARM", again.Error.Context["cause_code"])
}

func TestStartSwarm_BoundsConcurrentRuns(t *testing.T) {
	var inFlight, peak atomic.Int64
	runs := &fakeRuns{run: func(ctx context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		return succeed(1)(ctx, req)
	}}
	c := New(tier.NewHarness(), runs, WithMaxConcurrentRuns(3))

	req := swarmRequest("r1", "r2", "r3", "r4", "r5")
	req.MaxConcurrentRuns = 2
	id, err := c.StartSwarm(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, waitSwarm(t, c, id).State)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Len(t, runs.requests(), 5)
}

func TestStartSwarm_Rejections(t *testing.T) {
	c := New(tier.NewHarness(), &fakeRuns{run: succeed(1)})

	mixed := swarmRequest()
	mixed.Runs = []RunSpec{{RoutineVersionID: "a", Weight: 1}, {RoutineVersionID: "b"}}
	negative := swarmRequest()
	negative.Runs = []RunSpec{{RoutineVersionID: "a", Weight: -1}}
	noUser := swarmRequest("a")
	noUser.UserID = ""
	badAlloc := swarmRequest("a")
	badAlloc.Allocation.MaxMemoryMB = -5

	tests := []struct {
		name string
		req  SwarmRequest
		code string
	}{
		{"no user", noUser, "MISSING_USER"},
		{"no runs", swarmRequest(), "NO_RUNS"},
		{"missing routine", swarmRequest(""), "MISSING_ROUTINE"},
		{"mixed weights", mixed, "INVALID_WEIGHT"},
		{"negative weight", negative, "INVALID_WEIGHT"},
		{"bad allocation", badAlloc, "INVALID_ALLOCATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartSwarm(context.Background(), tt.req)
			var ee *tier.ExecutionError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.code, ee.Code)
			assert.Equal(t, tier.ErrorValidation, ee.Type)
		})
	}
	assert.Empty(t, c.ListSwarms())
}

func TestStartSwarm_PermissionDenied(t *testing.T) {
	checker := policy.NewStaticChecker(map[string][]string{"admin": {"swarm.*"}})
	c := New(tier.NewHarness(), &fakeRuns{run: succeed(1)}, WithPermissions(checker))

	_, err := c.StartSwarm(context.Background(), swarmRequest("a"))
	var ee *tier.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, tier.ErrorPermission, ee.Type)
	assert.Empty(t, c.ListSwarms())

	req := swarmRequest("a")
	req.UserID = "admin"
	id, err := c.StartSwarm(context.Background(), req)
	require.NoError(t, err)
	waitSwarm(t, c, id)

	require.ErrorAs(t, c.CancelSwarm(context.Background(), "u1", id, ""), &ee)
	assert.Equal(t, "PERMISSION_DENIED", ee.Code)
}

func TestCancelSwarm_StopsInflightAndSkipsPending(t *testing.T) {
	bus, rec := newBus(t)
	entered := make(chan string, 1)
	stopped := make(chan struct{})
	var stopOnce sync.Once
	runs := &fakeRuns{
		run: func(_ context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
			entered <- req.Input.RunID
			<-stopped
			return tier.Result[tier2.RunOutput]{
				Output: tier2.RunOutput{RunID: req.Input.RunID, State: tier2.StateStopped, Outputs: map[string]any{"s1": "partial"}},
				Error:  tier.NewError(tier.ErrorCancelled, "TIER2_EXECUTION_FAILED", "run stopped"),
			}
		},
	}
	var stoppedRun atomic.Value
	runs.stop = func(runID, _ string) (bool, error) {
		stoppedRun.Store(runID)
		stopOnce.Do(func() { close(stopped) })
		return true, nil
	}
	c := New(tier.NewHarness(tier.WithPublisher(bus)), runs)

	req := swarmRequest("first", "second", "third")
	req.MaxConcurrentRuns = 1
	id, err := c.StartSwarm(context.Background(), req)
	require.NoError(t, err)
	runID := <-entered

	require.NoError(t, c.CancelSwarm(context.Background(), "u1", id, "user abort"))
	s := waitSwarm(t, c, id)

	assert.Equal(t, StateCancelled, s.State)
	assert.Equal(t, "user abort", s.Reason)
	assert.Equal(t, runID, stoppedRun.Load())
	assert.Len(t, runs.requests(), 1, "pending runs never start")
	for _, r := range s.Runs {
		assert.Equal(t, tier2.StateStopped, r.State)
	}
	assert.Equal(t, map[string]any{runID: map[string]any{"s1": "partial"}}, s.Outputs)
	assert.Equal(t, 1, rec.count(events.TopicSwarmCancelled))

	require.ErrorIs(t, c.CancelSwarm(context.Background(), "u1", id, ""), ErrSwarmFinished)
	require.ErrorIs(t, c.CancelSwarm(context.Background(), "u1", "ghost", ""), ErrSwarmNotFound)
}

func TestCancelSwarm_AbandonsUnregisteredRun(t *testing.T) {
	entered := make(chan struct{})
	runs := &fakeRuns{run: func(ctx context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
		close(entered)
		<-ctx.Done()
		return tier.Result[tier2.RunOutput]{Error: tier.Classify(ctx.Err())}
	}}
	c := New(tier.NewHarness(), runs)

	id, err := c.StartSwarm(context.Background(), swarmRequest("only"))
	require.NoError(t, err)
	<-entered
	require.NoError(t, c.CancelSwarm(context.Background(), "u1", id, "abort"))

	s := waitSwarm(t, c, id)
	assert.Equal(t, StateCancelled, s.State)
	assert.Equal(t, tier2.StateStopped, s.Runs[0].State)
}

func TestRunEventsUpdateRunRecords(t *testing.T) {
	bus, _ := newBus(t)
	release := make(chan struct{})
	entered := make(chan string, 1)
	runs := &fakeRuns{run: func(ctx context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput] {
		entered <- req.Input.RunID
		<-release
		return succeed(1)(ctx, req)
	}}
	c := New(tier.NewHarness(tier.WithPublisher(bus)), runs)
	require.NoError(t, c.Subscribe(bus))
	t.Cleanup(c.Close)

	id, err := c.StartSwarm(context.Background(), swarmRequest("a"))
	require.NoError(t, err)
	runID := <-entered

	res := bus.Publish(context.Background(), events.New(events.Source{Tier: events.TierTwo, Component: "test"},
		events.RunPaused{RunID: runID, SwarmID: id}))
	require.True(t, res.Success, "publish: %v", res.Err)

	assert.Eventually(t, func() bool {
		s, ok := c.GetSwarm(id)
		return ok && s.Runs[0].State == tier2.StatePaused
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	s := waitSwarm(t, c, id)
	assert.Equal(t, tier2.StateCompleted, s.Runs[0].State)
}

func TestListSwarmsAndWait(t *testing.T) {
	c := New(tier.NewHarness(), &fakeRuns{run: succeed(1)})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { now = now.Add(time.Second); return now }

	first := swarmRequest("a")
	first.SwarmID = "s-1"
	second := swarmRequest("a")
	second.SwarmID = "s-2"
	for _, r := range []SwarmRequest{first, second} {
		_, err := c.StartSwarm(context.Background(), r)
		require.NoError(t, err)
		waitSwarm(t, c, r.SwarmID)
	}

	_, err := c.StartSwarm(context.Background(), first)
	var ee *tier.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "DUPLICATE_SWARM", ee.Code)

	list := c.ListSwarms()
	require.Len(t, list, 2)
	assert.Equal(t, "s-1", list[0].ID)
	assert.Equal(t, "s-2", list[1].ID)

	_, ok := c.GetSwarm("missing")
	assert.False(t, ok)
	_, err = c.Wait(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSwarmNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := &swarm{done: make(chan struct{})}
	c.mu.Lock()
	c.swarms["blocked"] = blocked
	c.mu.Unlock()
	_, err = c.Wait(ctx, "blocked")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestSplitAllocation(t *testing.T) {
	parent := resources.Allocation{
		MaxCredits:         resources.NewCredits(100),
		MaxDurationMs:      resources.Unbounded,
		MaxMemoryMB:        90,
		MaxConcurrentSteps: 3,
	}
	allocs, err := splitAllocation(parent, []RunSpec{{}, {}, {}})
	require.NoError(t, err)
	var sum int64
	for _, a := range allocs {
		assert.Equal(t, int64(33), a.MaxCredits.Int64())
		assert.Equal(t, int64(resources.Unbounded), a.MaxDurationMs)
		assert.Equal(t, int64(29), a.MaxMemoryMB)
		assert.Equal(t, 1, a.MaxConcurrentSteps)
		sum += a.MaxCredits.Int64()
	}
	assert.LessOrEqual(t, sum, int64(100))

	parent.MaxCredits = resources.Unlimited()
	allocs, err = splitAllocation(parent, []RunSpec{{Weight: 2}, {Weight: 2}})
	require.NoError(t, err)
	assert.True(t, allocs[0].MaxCredits.IsUnlimited())
	assert.Equal(t, int64(45), allocs[1].MaxMemoryMB)
}

func TestCoordinator_EndToEnd(t *testing.T) {
	bus, rec := newBus(t)
	h := tier.NewHarness(tier.WithPublisher(bus))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	idx := index.NewManager(client, index.WithPrefix("e2e"))

	store := routine.NewMemoryStore()
	require.NoError(t, store.Put(&routine.Routine{
		ID: "greet", Name: "Greet", Version: "1.2.0",
		Steps: []routine.Step{
			{ID: "hello", Kind: routine.KindNoop, Params: map[string]any{"msg": "hi"}, Credits: 2},
			{ID: "bye", Kind: routine.KindNoop, DependsOn: []string{"hello"}, Credits: 3},
		},
	}))
	orchestrator := tier2.New(h, tier3.New(h), store, tier2.WithIndex(idx))
	c := New(h, orchestrator, WithIndex(idx))
	require.NoError(t, c.Subscribe(bus))
	t.Cleanup(c.Close)

	req := swarmRequest("greet@^1", "greet")
	id, err := c.StartSwarm(context.Background(), req)
	require.NoError(t, err)
	s := waitSwarm(t, c, id)

	require.Equal(t, StateCompleted, s.State, "error: %v", s.Error)
	assert.Equal(t, int64(10), s.Usage.CreditsUsed)
	assert.Len(t, s.Outputs, 2)

	ctx := context.Background()
	done, err := idx.ItemsInState(ctx, IndexNamespace, string(StateCompleted))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, done)

	members, err := idx.SetMembers(ctx, "swarm:"+id+":runs")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	completedRuns, err := idx.ItemsInState(ctx, tier2.IndexNamespace, string(tier2.StateCompleted))
	require.NoError(t, err)
	assert.ElementsMatch(t, members, completedRuns)

	assert.Equal(t, 2, rec.count(events.TopicRunCompleted))
	assert.Equal(t, 4, rec.count(events.TopicStepCompleted))
	assert.Equal(t, 1, rec.count(events.TopicSwarmCompleted))
}
