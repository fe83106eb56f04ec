package tier

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tierflow/pkg/eventbus"
	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/observability"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

// DefaultRetention is how long finished ExecutionMetrics stay queryable.
const DefaultRetention = 60 * time.Second

// Version stamped into result metadata when the harness has none.
const Version = "1.0.0"

// Harness carries the dependencies WithErrorHandling needs. A zero Harness
// works: events are skipped and logs go to slog.Default.
type Harness struct {
	publisher eventbus.Publisher
	logger    *slog.Logger
	telemetry *observability.Provider
	metrics   *MetricsRegistry
	version   string
	retention time.Duration
	component string

	init sync.Once
}

// HarnessOption configures a Harness.
type HarnessOption func(*Harness)

// WithPublisher sets where lifecycle events go.
func WithPublisher(p eventbus.Publisher) HarnessOption {
	return func(h *Harness) { h.publisher = p }
}

// WithLogger sets the harness logger.
func WithLogger(l *slog.Logger) HarnessOption { return func(h *Harness) { h.logger = l } }

// WithTelemetry sets the tracing and RED metrics provider.
func WithTelemetry(p *observability.Provider) HarnessOption {
	return func(h *Harness) { h.telemetry = p }
}

// WithMetricsRegistry shares a registry between harnesses.
func WithMetricsRegistry(r *MetricsRegistry) HarnessOption {
	return func(h *Harness) { h.metrics = r }
}

// WithVersion sets the version stamped into result metadata.
func WithVersion(v string) HarnessOption { return func(h *Harness) { h.version = v } }

// WithRetention sets how long finished metrics are retained.
func WithRetention(d time.Duration) HarnessOption { return func(h *Harness) { h.retention = d } }

// WithComponent names the event source component.
func WithComponent(name string) HarnessOption { return func(h *Harness) { h.component = name } }

// NewHarness creates a Harness.
func NewHarness(opts ...HarnessOption) *Harness {
	h := &Harness{}
	for _, opt := range opts {
		opt(h)
	}
	h.ensureDefaults()
	return h
}

// ensureDefaults fills whatever the options left unset.
func (h *Harness) ensureDefaults() {
	h.init.Do(func() {
		if h.logger == nil {
			h.logger = slog.Default().With("component", "tier")
		}
		if h.metrics == nil {
			h.metrics = NewMetricsRegistry()
		}
		if h.version == "" {
			h.version = Version
		}
		if h.retention <= 0 {
			h.retention = DefaultRetention
		}
		if h.component == "" {
			h.component = "tier-executor"
		}
	})
}

// Metrics returns the registry the harness records into.
func (h *Harness) Metrics() *MetricsRegistry {
	h.ensureDefaults()
	return h.metrics
}

// Publisher returns the configured publisher, possibly nil.
func (h *Harness) Publisher() eventbus.Publisher { return h.publisher }

// Logger returns the harness logger.
func (h *Harness) Logger() *slog.Logger {
	h.ensureDefaults()
	return h.logger
}

// Telemetry returns the observability provider, possibly nil.
func (h *Harness) Telemetry() *observability.Provider { return h.telemetry }

// Emit publishes an event on behalf of a tier. Failures are logged and never
// returned.
func (h *Harness) Emit(ctx context.Context, ev events.Event) {
	if h == nil || h.publisher == nil {
		return
	}
	h.ensureDefaults()
	if res := h.publisher.Publish(ctx, ev); !res.Success {
		h.logger.Warn("event publish failed", "topic", ev.Type, "event_id", ev.ID, "error", res.Err)
	}
}

// WithErrorHandling runs exec under the standard tier lifecycle. It never
// returns an error: every failure becomes a Result with Success false and an
// ExecutionError whose code is <TIER>_EXECUTION_FAILED.
func WithErrorHandling[I, O any](ctx context.Context, h *Harness, exec Executor[I, O], req Request[I]) Result[O] {
	if h == nil {
		h = NewHarness()
	}
	h.ensureDefaults()
	t := exec.Tier()
	id := uuid.NewString()
	swarmID := ""
	if req.Context != nil {
		swarmID = req.Context.SwarmID
	}

	tracker := h.metrics.register(id, swarmID, t)
	defer h.metrics.scheduleRemoval(id, h.retention)

	ctx, finish := h.telemetry.TrackExecution(ctx, string(t), swarmID, string(req.Options.Strategy))

	res, err := runPhases(ctx, h, id, exec, req, tracker)
	if err != nil {
		res = failureResult[O](h, t, id, h.metrics.phase(id), err, req, tracker)
	}
	finalize(h, t, id, req, tracker, &res)
	finish(res.Err())

	h.metrics.finish(id, res.Success, errorTypeOf(res))
	emitOutcome(ctx, h, t, id, swarmID, res)
	return res
}

func runPhases[I, O any](ctx context.Context, h *Harness, id string, exec Executor[I, O], req Request[I], tracker *resources.Tracker) (Result[O], error) {
	if err := validateRequest(req); err != nil {
		return Result[O]{}, err
	}

	h.metrics.setPhase(id, PhaseExecution)
	res, err := runWithTimeout(ctx, exec, req, tracker)
	if err != nil {
		return Result[O]{}, err
	}

	h.metrics.setPhase(id, PhaseCleanup)
	if err := validateResult(res); err != nil {
		return Result[O]{}, err
	}
	if res.ResourcesUsed == nil {
		h.logger.Warn("result is missing resources used, recording the tracker snapshot",
			"tier", exec.Tier(), "execution_id", id)
	}
	return res, nil
}

// validateRequest rejects requests without context, allocation or input.
func validateRequest[I any](req Request[I]) error {
	switch {
	case req.Context == nil:
		return NewError(ErrorValidation, "MISSING_CONTEXT", "request context is required")
	case req.Allocation == nil:
		return NewError(ErrorValidation, "MISSING_ALLOCATION", "resource allocation is required")
	case isMissing(req.Input):
		return NewError(ErrorValidation, "MISSING_INPUT", "request input is required")
	}
	if err := req.Allocation.Validate(); err != nil {
		return Errorf(ErrorValidation, "INVALID_ALLOCATION", "invalid allocation: %w", err)
	}
	return nil
}

func isMissing(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	case reflect.String:
		return rv.Len() == 0
	}
	return false
}

// validateResult rejects failed results that carry no error.
func validateResult[O any](res Result[O]) error {
	if !res.Success && res.Error == nil {
		return NewError(ErrorValidation, "INVALID_RESULT", "failed result is missing error details")
	}
	return nil
}

type outcome[O any] struct {
	res Result[O]
	err error
}

// runWithTimeout waits for ExecuteImpl up to the request timeout. A timed-out
// delegate is not waited for: its context is cancelled and its result is
// discarded.
func runWithTimeout[I, O any](ctx context.Context, exec Executor[I, O], req Request[I], tracker *resources.Tracker) (Result[O], error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome[O], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[O]{err: NewError(ErrorUnknown, "PANIC", fmt.Sprintf("executor panic: %v", r))}
			}
		}()
		res, err := exec.ExecuteImpl(ctx, req, tracker)
		done <- outcome[O]{res: res, err: err}
	}()

	var timeout <-chan time.Time
	if req.Options.Timeout > 0 {
		timer := time.NewTimer(req.Options.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-done:
		return out.res, out.err
	case <-timeout:
		return Result[O]{}, NewError(ErrorTimeout, "TIMEOUT",
			fmt.Sprintf("execution timed out after %s", req.Options.Timeout))
	case <-ctx.Done():
		return Result[O]{}, Classify(ctx.Err())
	}
}

// failureResult standardizes err at the tier boundary. The original code is
// kept in the error context.
func failureResult[O any, I any](h *Harness, t events.Tier, id string, phase Phase, err error, req Request[I], tracker *resources.Tracker) Result[O] {
	src := Classify(err)
	out := &ExecutionError{
		Code:         FailureCode(t),
		Message:      src.Message,
		Tier:         t,
		Type:         src.Type,
		Phase:        phase,
		RetryAfterMs: src.RetryAfterMs,
		cause:        err,
	}
	for k, v := range src.Context {
		out.WithContext(k, v)
	}
	if src.Code != "" && src.Code != out.Code {
		out.WithContext("cause_code", src.Code)
	}
	if src.Tier != "" && src.Tier != t {
		out.WithContext("cause_tier", string(src.Tier))
	}

	h.logger.Error("tier execution failed",
		"tier", t, "execution_id", id, "phase", phase, "type", out.Type, "error", err)

	usage := tracker.Snapshot()
	return Result[O]{
		Success:       false,
		Error:         out,
		ResourcesUsed: &usage,
		Context:       req.Context,
	}
}

// finalize fills the fields every result carries regardless of outcome.
func finalize[I, O any](h *Harness, t events.Tier, id string, req Request[I], tracker *resources.Tracker, res *Result[O]) {
	if res.ResourcesUsed == nil {
		usage := tracker.Snapshot()
		res.ResourcesUsed = &usage
	}
	if res.Context == nil {
		res.Context = req.Context
	}
	if res.Error != nil {
		if res.Error.Tier == "" {
			res.Error.Tier = t
		}
		if res.Error.Phase == "" {
			res.Error.Phase = PhaseExecution
		}
	}
	res.Duration = tracker.Elapsed()
	res.Metadata = Metadata{
		ExecutionID: id,
		Tier:        t,
		Strategy:    req.Options.Strategy,
		Version:     h.version,
		Timestamp:   time.Now().UTC(),
	}
	if res.Metadata.Strategy == "" && req.Allocation != nil {
		res.Metadata.Strategy = req.Allocation.Strategy
	}
	if res.PerformanceScore == 0 && res.Success && req.Allocation != nil {
		res.PerformanceScore = PerformanceScore(*req.Allocation, *res.ResourcesUsed)
	}
}

// PerformanceScore is the share of the credit budget left unspent, in [0,1].
// Unlimited budgets score 1.
func PerformanceScore(alloc resources.Allocation, used resources.Usage) float64 {
	if alloc.MaxCredits.IsUnlimited() {
		return 1
	}
	limit := alloc.MaxCredits.Int64()
	if limit <= 0 {
		if used.CreditsUsed == 0 {
			return 1
		}
		return 0
	}
	score := 1 - float64(used.CreditsUsed)/float64(limit)
	return min(max(score, 0), 1)
}

func errorTypeOf[O any](res Result[O]) ErrorType {
	if res.Error == nil {
		return ""
	}
	return res.Error.Type
}

func emitOutcome[O any](ctx context.Context, h *Harness, t events.Tier, id, swarmID string, res Result[O]) {
	src := events.Source{Tier: t, Component: h.component}
	usage := *res.ResourcesUsed
	durationMs := res.Duration.Milliseconds()

	var opts []events.Option
	if res.Context != nil {
		opts = append(opts, events.WithUserID(res.Context.UserID), events.WithConversationID(res.Context.ConversationID))
	}

	if res.Success {
		h.Emit(ctx, events.New(src, events.TierExecutionCompleted{
			Tier:        t,
			ExecutionID: id,
			SwarmID:     swarmID,
			Success:     true,
			DurationMs:  durationMs,
			Usage:       usage,
		}, opts...))
		return
	}

	h.Emit(ctx, events.New(src, events.TierExecutionFailed{
		Tier:        t,
		ExecutionID: id,
		SwarmID:     swarmID,
		Code:        FailureCode(t),
		Message:     res.Error.Message,
		ErrorType:   string(res.Error.Type),
		Phase:       string(res.Error.Phase),
		DurationMs:  durationMs,
		Usage:       usage,
	}, append(opts, events.WithPriority(events.PriorityHigh))...))
}
