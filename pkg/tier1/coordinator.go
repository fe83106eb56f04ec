// Package tier1 coordinates swarms. A swarm is a goal plus a set of runs; the
// Coordinator splits the swarm budget across its runs, delegates them to
// tier2 with bounded parallelism and folds run states into a swarm state.
package tier1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/tierflow/pkg/eventbus"
	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/index"
	"github.com/Mindburn-Labs/tierflow/pkg/policy"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
	"github.com/Mindburn-Labs/tierflow/pkg/tier"
	"github.com/Mindburn-Labs/tierflow/pkg/tier2"
)

// State is a swarm state.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IndexNamespace is the state-index namespace for swarms.
const IndexNamespace = "swarms"

const component = "swarm-coordinator"

var (
	ErrSwarmNotFound = errors.New("tier1: swarm not found")
	ErrSwarmFinished = errors.New("tier1: swarm already finished")
)

// RunExecutor is the tier2 surface a swarm needs.
type RunExecutor interface {
	Execute(ctx context.Context, req tier.Request[tier2.RunInput]) tier.Result[tier2.RunOutput]
	StopRun(runID, reason string) (bool, error)
}

// RunSpec is one run of a swarm. Weight is the run's share of the swarm
// budget; when no run sets a weight the budget is split equally.
type RunSpec struct {
	RoutineVersionID string        `json:"routineVersionId" yaml:"routine"`
	Weight           float64       `json:"weight,omitempty" yaml:"weight,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// SwarmInput is the tier1 execution input.
type SwarmInput struct {
	SwarmID           string    `json:"swarmId,omitempty"`
	Goal              string    `json:"goal"`
	Runs              []RunSpec `json:"runs"`
	MaxConcurrentRuns int       `json:"maxConcurrentRuns,omitempty"`
}

// SwarmRequest starts a swarm.
type SwarmRequest struct {
	SwarmInput
	UserID         string               `json:"userId"`
	ConversationID string               `json:"conversationId,omitempty"`
	Allocation     resources.Allocation `json:"allocation"`
}

// RunRecord is the coordinator's view of one run.
type RunRecord struct {
	RunID            string               `json:"runId"`
	RoutineVersionID string               `json:"routineVersionId"`
	State            tier2.State          `json:"state"`
	Allocation       resources.Allocation `json:"allocation"`
	Outputs          map[string]any       `json:"outputs,omitempty"`
	Usage            resources.Usage      `json:"usage"`
	Error            string               `json:"error,omitempty"`
}

// SwarmOutput is the tier1 execution output. Failed swarms carry the outputs
// of the runs that got that far.
type SwarmOutput struct {
	SwarmID string         `json:"swarmId"`
	State   State          `json:"state"`
	Outputs map[string]any `json:"outputs"`
	Runs    []RunRecord    `json:"runs"`
}

// Swarm is a point-in-time snapshot of a swarm.
type Swarm struct {
	ID          string               `json:"id"`
	Goal        string               `json:"goal"`
	UserID      string               `json:"userId"`
	State       State                `json:"state"`
	Allocation  resources.Allocation `json:"allocation"`
	Runs        []RunRecord          `json:"runs"`
	Outputs     map[string]any       `json:"outputs,omitempty"`
	Usage       resources.Usage      `json:"usage"`
	Error       *tier.ExecutionError `json:"error,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

type runSlot struct {
	RunRecord
	spec   RunSpec
	cancel context.CancelFunc
}

// swarm is the live record. All fields are guarded by Coordinator.mu.
type swarm struct {
	Swarm
	conversationID string
	input          SwarmInput
	runs           []*runSlot
	claimed        bool
	cancelled      bool
	done           chan struct{}
}

func (s *swarm) snapshot() Swarm {
	out := s.Swarm
	out.Runs = make([]RunRecord, len(s.runs))
	for i, slot := range s.runs {
		out.Runs[i] = slot.RunRecord
	}
	return out
}

// Coordinator is the tier1 executor.
type Coordinator struct {
	harness *tier.Harness
	runs    RunExecutor
	auth    policy.Checker
	index   *index.Manager
	maxRuns int
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	swarms    map[string]*swarm
	completed int64
	failed    int64
	credits   int64

	sub    eventbus.Subscriber
	subIDs []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPermissions sets the auth collaborator. Default allows everything.
func WithPermissions(c policy.Checker) Option { return func(co *Coordinator) { co.auth = c } }

// WithIndex mirrors swarm states into the Redis state index.
func WithIndex(m *index.Manager) Option { return func(co *Coordinator) { co.index = m } }

// WithMaxConcurrentRuns bounds the runs of one swarm in flight at once when
// the swarm sets no bound of its own. Default 4.
func WithMaxConcurrentRuns(n int) Option { return func(co *Coordinator) { co.maxRuns = n } }

func WithLogger(l *slog.Logger) Option { return func(co *Coordinator) { co.logger = l } }

// New creates a coordinator delegating runs to runs.
func New(h *tier.Harness, runs RunExecutor, opts ...Option) *Coordinator {
	c := &Coordinator{
		harness: h,
		runs:    runs,
		auth:    policy.AllowAll(),
		maxRuns: 4,
		logger:  slog.Default().With("component", component),
		now:     time.Now,
		swarms:  make(map[string]*swarm),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRuns < 1 {
		c.maxRuns = 1
	}
	if c.index != nil {
		c.index.DeclareStates(IndexNamespace, string(StatePending), string(StateRunning),
			string(StateCompleted), string(StateFailed), string(StateCancelled))
	}
	return c
}

func (c *Coordinator) Tier() events.Tier { return events.TierOne }

// Subscribe listens to run events so run records track tier2 state between
// a run's start and its result.
func (c *Coordinator) Subscribe(sub eventbus.Subscriber) error {
	id, err := sub.Subscribe("run.*", c.handleRunEvent, eventbus.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("tier1: subscribe run events: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.subIDs = append(c.subIDs, id)
	c.mu.Unlock()
	return nil
}

// Close releases the coordinator's subscriptions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sub, ids := c.sub, c.subIDs
	c.subIDs = nil
	c.mu.Unlock()
	for _, id := range ids {
		sub.Unsubscribe(id)
	}
}

func (c *Coordinator) handleRunEvent(_ context.Context, ev events.Event) error {
	switch p := ev.Data.(type) {
	case events.RunStarted:
		c.observeRun(p.SwarmID, p.RunID, tier2.StateRunning, nil, "")
	case events.RunPaused:
		c.observeRun(p.SwarmID, p.RunID, tier2.StatePaused, nil, "")
	case events.RunResumed:
		c.observeRun(p.SwarmID, p.RunID, tier2.StateRunning, nil, "")
	case events.RunStopped:
		c.observeRun(p.SwarmID, p.RunID, tier2.StateStopped, nil, p.Reason)
	case events.RunCompleted:
		c.observeRun(p.SwarmID, p.RunID, tier2.StateCompleted, p.Outputs, "")
	case events.RunFailed:
		c.observeRun(p.SwarmID, p.RunID, tier2.StateFailed, nil, p.Error)
	}
	return nil
}

// observeRun applies an asynchronous run event. Terminal run states are
// never overwritten.
func (c *Coordinator) observeRun(swarmID, runID string, st tier2.State, outputs map[string]any, msg string) {
	if swarmID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.swarms[swarmID]
	if !ok {
		return
	}
	for _, slot := range s.runs {
		if slot.RunID != runID || slot.State.Terminal() {
			continue
		}
		slot.State = st
		if outputs != nil {
			slot.Outputs = outputs
		}
		if msg != "" && st != tier2.StateRunning {
			slot.Error = msg
		}
		return
	}
}

// StartSwarm validates and admits a swarm, then executes it in the
// background. The returned id can be passed to Wait, GetSwarm and
// CancelSwarm.
func (c *Coordinator) StartSwarm(ctx context.Context, req SwarmRequest) (string, error) {
	s, err := c.admit(ctx, req)
	if err != nil {
		return "", err
	}

	bg := context.WithoutCancel(ctx)
	alloc := req.Allocation
	input := req.SwarmInput
	input.SwarmID = s.ID
	go func() {
		res := c.Execute(bg, tier.Request[SwarmInput]{
			Context:    &tier.ExecContext{SwarmID: s.ID, UserID: req.UserID, ConversationID: req.ConversationID},
			Allocation: &alloc,
			Input:      input,
		})
		// Covers failures the harness raised before ExecuteImpl concluded.
		if !res.Success {
			c.conclude(bg, s, StateFailed, nil, res.Error)
		}
	}()
	return s.ID, nil
}

// Execute runs one swarm to completion under the standard tier lifecycle.
func (c *Coordinator) Execute(ctx context.Context, req tier.Request[SwarmInput]) tier.Result[SwarmOutput] {
	return tier.WithErrorHandling[SwarmInput, SwarmOutput](ctx, c.harness, c, req)
}

func (c *Coordinator) ExecuteImpl(ctx context.Context, req tier.Request[SwarmInput], tracker *resources.Tracker) (res tier.Result[SwarmOutput], err error) {
	s, err := c.claim(ctx, req)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			c.conclude(ctx, s, StateFailed, tracker, tier.Classify(err))
		}
	}()

	parent := *req.Allocation
	allocs, err := splitAllocation(parent, s.input.Runs)
	if err != nil {
		return res, tier.Errorf(tier.ErrorValidation, "INVALID_ALLOCATION", "swarm %s: %w", s.ID, err)
	}
	c.mu.Lock()
	for i, slot := range s.runs {
		slot.Allocation = allocs[i]
	}
	c.mu.Unlock()
	c.transition(ctx, s, StateRunning)

	limit := s.input.MaxConcurrentRuns
	if limit <= 0 {
		limit = c.maxRuns
	}
	log := c.logger.With("swarm_id", s.ID)
	log.Info("swarm running", "runs", len(s.runs), "concurrency", limit)

	var g errgroup.Group
	g.SetLimit(limit)
	for _, slot := range s.runs {
		g.Go(func() error {
			c.runOne(ctx, s, slot, req.Context, tracker)
			return nil
		})
	}
	_ = g.Wait()

	return c.aggregate(ctx, s, tracker), nil
}

// claim returns the swarm for req, admitting it first when Execute is called
// directly. A swarm executes once.
func (c *Coordinator) claim(ctx context.Context, req tier.Request[SwarmInput]) (*swarm, error) {
	c.mu.Lock()
	s, ok := c.swarms[req.Input.SwarmID]
	if ok {
		defer c.mu.Unlock()
		if s.claimed {
			return nil, tier.NewError(tier.ErrorValidation, "DUPLICATE_SWARM", "swarm "+s.ID+" already executed")
		}
		s.claimed = true
		return s, nil
	}
	c.mu.Unlock()

	s, err := c.admit(ctx, SwarmRequest{
		SwarmInput:     req.Input,
		UserID:         req.Context.UserID,
		ConversationID: req.Context.ConversationID,
		Allocation:     *req.Allocation,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	s.claimed = true
	c.mu.Unlock()
	return s, nil
}

// admit validates req, checks swarm.start and registers the swarm.
func (c *Coordinator) admit(ctx context.Context, req SwarmRequest) (*swarm, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	id := req.SwarmID
	if id == "" {
		id = uuid.NewString()
	}

	allowed, err := c.auth.CheckPermission(ctx, req.UserID, policy.ActionSwarmStart, id)
	if err != nil {
		return nil, tier.Errorf(tier.ErrorInfrastructure, "PERMISSION_CHECK_FAILED", "permission check: %w", err)
	}
	if !allowed {
		return nil, tier.NewError(tier.ErrorPermission, "PERMISSION_DENIED",
			fmt.Sprintf("user %s may not start swarms", req.UserID))
	}

	s := &swarm{
		Swarm: Swarm{
			ID:         id,
			Goal:       req.Goal,
			UserID:     req.UserID,
			State:      StatePending,
			Allocation: req.Allocation,
			CreatedAt:  c.now().UTC(),
		},
		conversationID: req.ConversationID,
		input:          req.SwarmInput,
		done:           make(chan struct{}),
	}
	s.input.SwarmID = id
	for _, spec := range req.Runs {
		s.runs = append(s.runs, &runSlot{
			RunRecord: RunRecord{RunID: uuid.NewString(), RoutineVersionID: spec.RoutineVersionID, State: tier2.StateUninitialized},
			spec:      spec,
		})
	}

	c.mu.Lock()
	if _, dup := c.swarms[id]; dup {
		c.mu.Unlock()
		return nil, tier.NewError(tier.ErrorValidation, "DUPLICATE_SWARM", "swarm "+id+" already exists")
	}
	c.swarms[id] = s
	c.mu.Unlock()

	c.indexState(ctx, id, "", StatePending)
	c.emit(ctx, s, events.SwarmStarted{
		SwarmID:    id,
		Goal:       req.Goal,
		UserID:     req.UserID,
		RunCount:   len(req.Runs),
		Allocation: req.Allocation,
	})
	c.emit(ctx, s, events.ResourceAllocated{ScopeID: id, Tier: events.TierOne, Allocation: req.Allocation})
	c.logger.Info("swarm admitted", "swarm_id", id, "user_id", req.UserID, "runs", len(req.Runs))
	return s, nil
}

func validateRequest(req SwarmRequest) *tier.ExecutionError {
	if req.UserID == "" {
		return tier.NewError(tier.ErrorValidation, "MISSING_USER", "user id is required")
	}
	if len(req.Runs) == 0 {
		return tier.NewError(tier.ErrorValidation, "NO_RUNS", "a swarm needs at least one run")
	}
	weighted := 0
	for i, r := range req.Runs {
		if r.RoutineVersionID == "" {
			return tier.NewError(tier.ErrorValidation, "MISSING_ROUTINE", fmt.Sprintf("run %d has no routine", i)).WithContext("run_index", i)
		}
		if r.Weight < 0 {
			return tier.NewError(tier.ErrorValidation, "INVALID_WEIGHT", fmt.Sprintf("run %d has negative weight", i)).WithContext("run_index", i)
		}
		if r.Weight > 0 {
			weighted++
		}
	}
	if weighted != 0 && weighted != len(req.Runs) {
		return tier.NewError(tier.ErrorValidation, "INVALID_WEIGHT", "either every run or no run sets a weight")
	}
	if err := req.Allocation.Validate(); err != nil {
		return tier.Errorf(tier.ErrorValidation, "INVALID_ALLOCATION", "%w", err)
	}
	return nil
}

// splitAllocation derives one child allocation per run, by weight or equally,
// and checks each against the parent.
func splitAllocation(parent resources.Allocation, runs []RunSpec) ([]resources.Allocation, error) {
	var total float64
	for _, r := range runs {
		total += r.Weight
	}
	out := make([]resources.Allocation, len(runs))
	for i, r := range runs {
		ratio, strategy := 1/float64(len(runs)), resources.StrategyEqualSplit
		if total > 0 {
			ratio, strategy = min(r.Weight/total, 1), resources.StrategyWeighted
		}
		child, err := resources.CreateChildAllocation(parent, ratio, strategy)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		if rep := resources.ValidateAllocationHierarchy(child, parent); !rep.IsValid {
			return nil, fmt.Errorf("run %d: %s", i, strings.Join(rep.Violations, "; "))
		}
		out[i] = child
	}
	return out, nil
}

func (c *Coordinator) runOne(ctx context.Context, s *swarm, slot *runSlot, ec *tier.ExecContext, tracker *resources.Tracker) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if s.cancelled {
		slot.State = tier2.StateStopped
		slot.Error = "swarm cancelled before run started"
		c.mu.Unlock()
		return
	}
	slot.cancel = cancel
	alloc := slot.Allocation
	runID := slot.RunID
	c.mu.Unlock()

	child := ec.Clone()
	child.SwarmID = s.ID
	res := c.runs.Execute(runCtx, tier.Request[tier2.RunInput]{
		Context:    child,
		Allocation: &alloc,
		Input:      tier2.RunInput{RunID: runID, RoutineVersionID: slot.spec.RoutineVersionID, Timeout: slot.spec.Timeout},
		Options:    tier.Options{Strategy: alloc.Strategy},
	})

	var usage resources.Usage
	if res.ResourcesUsed != nil {
		usage = *res.ResourcesUsed
		tracker.Record(usage)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slot.cancel = nil
	slot.Usage = usage
	if res.Output.Outputs != nil {
		slot.Outputs = res.Output.Outputs
	}
	switch {
	case res.Success:
		slot.State = tier2.StateCompleted
		slot.Error = ""
	case res.Output.State.Terminal():
		slot.State = res.Output.State
		slot.Error = res.Error.Error()
	case res.Error != nil && res.Error.Type == tier.ErrorCancelled:
		slot.State = tier2.StateStopped
		slot.Error = res.Error.Error()
	default:
		slot.State = tier2.StateFailed
		if res.Error != nil {
			slot.Error = res.Error.Error()
		}
	}
}

// aggregate folds run states into the swarm result: every run completed is
// COMPLETED, a cancelled swarm is CANCELLED, anything else is FAILED with the
// outputs gathered so far.
func (c *Coordinator) aggregate(ctx context.Context, s *swarm, tracker *resources.Tracker) tier.Result[SwarmOutput] {
	c.mu.RLock()
	outputs := make(map[string]any)
	var failedRuns []string
	var firstErr string
	for _, slot := range s.runs {
		if len(slot.Outputs) > 0 {
			outputs[slot.RunID] = slot.Outputs
		}
		if slot.State != tier2.StateCompleted {
			failedRuns = append(failedRuns, slot.RunID)
			if firstErr == "" {
				firstErr = slot.Error
			}
		}
	}
	cancelled, reason := s.cancelled, s.Reason
	total := len(s.runs)
	c.mu.RUnlock()

	state := StateCompleted
	var cause *tier.ExecutionError
	switch {
	case cancelled:
		state = StateCancelled
		cause = tier.NewError(tier.ErrorCancelled, "SWARM_CANCELLED", "swarm cancelled: "+reason)
	case len(failedRuns) > 0:
		state = StateFailed
		cause = tier.NewError(tier.ErrorDelegation, "RUNS_FAILED",
			fmt.Sprintf("%d of %d runs did not complete: %s", len(failedRuns), total, firstErr)).
			WithContext("failed_runs", failedRuns)
	}

	c.conclude(ctx, s, state, tracker, cause)

	c.mu.RLock()
	snap := s.snapshot()
	c.mu.RUnlock()
	usage := tracker.Snapshot()
	res := tier.Result[SwarmOutput]{
		Success:       state == StateCompleted,
		Output:        SwarmOutput{SwarmID: s.ID, State: state, Outputs: outputs, Runs: snap.Runs},
		ResourcesUsed: &usage,
		Confidence:    float64(total-len(failedRuns)) / float64(total),
	}
	if cause != nil {
		res.Error = tier.Standardize(events.TierOne, cause)
	}
	return res
}

// conclude moves s to a terminal state once, announces it and releases
// waiters. tracker may be nil.
func (c *Coordinator) conclude(ctx context.Context, s *swarm, state State, tracker *resources.Tracker, cause *tier.ExecutionError) {
	c.mu.Lock()
	if s.State.Terminal() {
		c.mu.Unlock()
		return
	}
	if s.cancelled && state == StateFailed {
		state = StateCancelled
	}
	from := s.State
	now := c.now().UTC()
	s.State = state
	s.Error = cause
	s.CompletedAt = &now
	if tracker != nil {
		s.Usage = tracker.Snapshot()
	}
	outputs := make(map[string]any)
	for _, slot := range s.runs {
		if len(slot.Outputs) > 0 {
			outputs[slot.RunID] = slot.Outputs
		}
	}
	s.Outputs = outputs
	usage := s.Usage
	reason := s.Reason
	switch state {
	case StateCompleted:
		c.completed++
	default:
		c.failed++
	}
	c.credits += usage.CreditsUsed
	c.mu.Unlock()

	c.indexState(ctx, s.ID, string(from), state)
	c.emit(ctx, s, events.SwarmStateChanged{SwarmID: s.ID, From: string(from), To: string(state)})
	switch state {
	case StateCompleted:
		c.emit(ctx, s, events.SwarmCompleted{SwarmID: s.ID, Outputs: outputs, Usage: usage})
	case StateCancelled:
		c.emit(ctx, s, events.SwarmCancelled{SwarmID: s.ID, Reason: reason})
	default:
		msg := "swarm failed"
		if cause != nil {
			msg = cause.Error()
		}
		c.emit(ctx, s, events.SwarmFailed{SwarmID: s.ID, Error: msg, PartialOutputs: outputs, Usage: usage},
			events.WithPriority(events.PriorityHigh))
	}
	c.emitSnapshot(ctx, s)
	c.logger.Info("swarm finished", "swarm_id", s.ID, "state", state, "credits", usage.CreditsUsed)
	close(s.done)
}

func (c *Coordinator) transition(ctx context.Context, s *swarm, to State) {
	c.mu.Lock()
	from := s.State
	if from.Terminal() || from == to {
		c.mu.Unlock()
		return
	}
	s.State = to
	c.mu.Unlock()
	c.indexState(ctx, s.ID, string(from), to)
	c.emit(ctx, s, events.SwarmStateChanged{SwarmID: s.ID, From: string(from), To: string(to)})
}

func (c *Coordinator) indexState(ctx context.Context, swarmID, from string, to State) {
	if c.index == nil {
		return
	}
	if err := c.index.UpdateStateIndex(context.WithoutCancel(ctx), IndexNamespace, swarmID, from, string(to)); err != nil {
		c.logger.Warn("swarm state index update failed", "swarm_id", swarmID, "error", err)
	}
}

func (c *Coordinator) emit(ctx context.Context, s *swarm, p events.Payload, opts ...events.Option) {
	opts = append(opts, events.WithUserID(s.UserID), events.WithConversationID(s.conversationID))
	c.harness.Emit(ctx, events.New(events.Source{Tier: events.TierOne, Component: component}, p, opts...))
}

func (c *Coordinator) emitSnapshot(ctx context.Context, s *swarm) {
	c.mu.RLock()
	active := 0
	for _, sw := range c.swarms {
		if !sw.State.Terminal() {
			active++
		}
	}
	snap := events.TierSnapshot{Tier: events.TierOne, Active: active, Completed: c.completed, Failed: c.failed, CreditsUsed: c.credits}
	c.mu.RUnlock()
	c.emit(ctx, s, snap, events.WithPriority(events.PriorityLow))
}

// CancelSwarm stops a swarm. Runs in flight are stopped cooperatively and
// runs not yet started are skipped.
func (c *Coordinator) CancelSwarm(ctx context.Context, userID, swarmID, reason string) error {
	allowed, err := c.auth.CheckPermission(ctx, userID, policy.ActionSwarmCancel, swarmID)
	if err != nil {
		return tier.Errorf(tier.ErrorInfrastructure, "PERMISSION_CHECK_FAILED", "permission check: %w", err)
	}
	if !allowed {
		return tier.NewError(tier.ErrorPermission, "PERMISSION_DENIED",
			fmt.Sprintf("user %s may not cancel swarm %s", userID, swarmID))
	}
	if reason == "" {
		reason = "cancelled by " + userID
	}

	c.mu.Lock()
	s, ok := c.swarms[swarmID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSwarmNotFound, swarmID)
	}
	if s.State.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSwarmFinished, swarmID, s.State)
	}
	s.cancelled = true
	s.Reason = reason
	type target struct {
		runID  string
		cancel context.CancelFunc
	}
	var inflight []target
	for _, slot := range s.runs {
		if slot.cancel != nil && !slot.State.Terminal() {
			inflight = append(inflight, target{slot.RunID, slot.cancel})
		}
	}
	c.mu.Unlock()

	c.logger.Info("swarm cancel requested", "swarm_id", swarmID, "reason", reason, "inflight", len(inflight))
	for _, t := range inflight {
		stopped, err := c.runs.StopRun(t.runID, reason)
		if err != nil || !stopped {
			// Not registered with tier2 yet or already done: abandon the wait.
			t.cancel()
		}
	}
	return nil
}

// Wait blocks until the swarm finishes or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, swarmID string) (Swarm, error) {
	c.mu.RLock()
	s, ok := c.swarms[swarmID]
	c.mu.RUnlock()
	if !ok {
		return Swarm{}, fmt.Errorf("%w: %s", ErrSwarmNotFound, swarmID)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return Swarm{}, ctx.Err()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return s.snapshot(), nil
}

// GetSwarm returns a snapshot of one swarm.
func (c *Coordinator) GetSwarm(swarmID string) (Swarm, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.swarms[swarmID]
	if !ok {
		return Swarm{}, false
	}
	return s.snapshot(), true
}

// ListSwarms returns every known swarm, oldest first.
func (c *Coordinator) ListSwarms() []Swarm {
	c.mu.RLock()
	out := make([]Swarm, 0, len(c.swarms))
	for _, s := range c.swarms {
		out = append(out, s.snapshot())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
