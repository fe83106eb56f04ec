// Package eventbus is the in-process publish/subscribe broker connecting the
// tiers. Every publish is validated against the event schema and admitted by
// the rate limiter before it is fanned out to subscribers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/ratelimit"
	"github.com/Mindburn-Labs/tierflow/pkg/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNotRunning is returned by Publish before Start or after Stop.
	ErrNotRunning = errors.New("eventbus: bus is not running")
	// ErrRateLimited is matched by errors.Is for every rate-limit denial.
	ErrRateLimited = errors.New("eventbus: rate limited")
	// ErrInvalidPattern is returned by Subscribe for malformed topic patterns.
	ErrInvalidPattern = errors.New("eventbus: invalid topic pattern")
	// ErrNilHandler is returned by Subscribe without a handler.
	ErrNilHandler = errors.New("eventbus: handler must not be nil")
)

// RateLimitError carries the limiter decision for a denied publish.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("eventbus: rate limited (%s), retry after %dms", e.Decision.LimitType, e.Decision.RetryAfterMs)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter is the suggested wait in milliseconds.
func (e *RateLimitError) RetryAfter() int64 { return e.Decision.RetryAfterMs }

// RateChecker admits or denies an event.
type RateChecker interface {
	CheckEventRateLimit(ctx context.Context, ev events.Event) ratelimit.Decision
}

// PublishResult is returned by Publish.
type PublishResult struct {
	Success  bool
	EventID  string
	Err      error
	Decision *ratelimit.Decision
}

// Publisher is the publish half of the bus. Tier components depend on this.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) PublishResult
}

// Subscriber is the subscribe half of the bus.
type Subscriber interface {
	Subscribe(pattern string, handler Handler, opts SubscribeOptions) (string, error)
	Unsubscribe(id string) bool
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published        int64             `json:"published"`
	Delivered        int64             `json:"delivered"`
	HandlerFailures  int64             `json:"handlerFailures"`
	Dropped          int64             `json:"dropped"`
	RateLimited      int64             `json:"rateLimited"`
	ValidationErrors int64             `json:"validationErrors"`
	Subscriptions    int               `json:"subscriptions"`
	PendingBarriers  int               `json:"pendingBarriers"`
	ByTopic          map[string]int64  `json:"byTopic"`
	Limiter          ratelimit.Metrics `json:"limiter"`
}

// Bus is the broker. Construct one per process and pass it to every
// component that publishes or subscribes.
type Bus struct {
	limiter     RateChecker
	limiterStat func() ratelimit.Metrics
	logger      *slog.Logger
	retryPolicy retry.BackoffPolicy
	queueSize   int
	retention   time.Duration

	mu       sync.RWMutex
	subs     []*subscription
	running  bool
	barriers map[string]*barrier
	byTopic  map[string]int64

	workers  sync.WaitGroup
	internal sync.WaitGroup

	published        atomic.Int64
	delivered        atomic.Int64
	handlerFailures  atomic.Int64
	dropped          atomic.Int64
	rateLimited      atomic.Int64
	validationErrors atomic.Int64

	publishedCounter   metric.Int64Counter
	deliveredCounter   metric.Int64Counter
	rateLimitedCounter metric.Int64Counter
}

// Option configures a Bus.
type Option func(*Bus)

// WithRateLimiter installs the admission check. Without one every event is
// admitted.
func WithRateLimiter(rc RateChecker) Option {
	return func(b *Bus) {
		b.limiter = rc
		if l, ok := rc.(*ratelimit.Limiter); ok {
			b.limiterStat = l.Metrics
		}
	}
}

func WithLogger(logger *slog.Logger) Option { return func(b *Bus) { b.logger = logger } }

// WithMeter records bus counters on m instead of the global meter.
func WithMeter(m metric.Meter) Option { return func(b *Bus) { b.initInstruments(m) } }

// WithRetryPolicy overrides the reliable-delivery backoff.
func WithRetryPolicy(p retry.BackoffPolicy) Option { return func(b *Bus) { b.retryPolicy = p } }

// WithQueueSize sets the default per-subscription queue capacity.
func WithQueueSize(n int) Option { return func(b *Bus) { b.queueSize = n } }

// WithBarrierRetention sets how long resolved barriers stay queryable.
func WithBarrierRetention(d time.Duration) Option { return func(b *Bus) { b.retention = d } }

// New creates a stopped bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:      slog.Default().With("component", "eventbus"),
		retryPolicy: retry.DefaultPolicy(),
		queueSize:   256,
		retention:   60 * time.Second,
		barriers:    make(map[string]*barrier),
		byTopic:     make(map[string]int64),
	}
	b.initInstruments(otel.Meter("github.com/Mindburn-Labs/tierflow/eventbus"))
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) initInstruments(m metric.Meter) {
	// Instrument creation only fails on invalid names; the no-op fallback
	// keeps the bus usable either way.
	b.publishedCounter, _ = m.Int64Counter("tierflow.eventbus.published",
		metric.WithDescription("Events accepted for dispatch"))
	b.deliveredCounter, _ = m.Int64Counter("tierflow.eventbus.delivered",
		metric.WithDescription("Handler invocations that succeeded"))
	b.rateLimitedCounter, _ = m.Int64Counter("tierflow.eventbus.rate_limited",
		metric.WithDescription("Events denied by the rate limiter"))
}

// Start opens the bus for publishing.
func (b *Bus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
	b.logger.Info("event bus started", "subscriptions", len(b.subs))
	return nil
}

// Running reports whether Publish is accepted.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Stop rejects further publishes, lets every subscription drain its queue and
// waits for the workers or ctx, whichever comes first. Subscriptions are
// released.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	b.internal.Wait()
	for _, s := range subs {
		s.closeQueue()
	}

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("event bus stopped")
		return nil
	case <-ctx.Done():
		for _, s := range subs {
			s.abort()
		}
		return fmt.Errorf("eventbus: stop: %w", ctx.Err())
	}
}

// Publish validates ev, consults the rate limiter unless ev is safety-tier
// and enqueues it for every matching subscription in registration order.
// A denial returns Success=false and asynchronously emits
// resource/rate_limited without blocking the caller.
func (b *Bus) Publish(ctx context.Context, ev events.Event) PublishResult {
	if !b.Running() {
		return PublishResult{EventID: ev.ID, Err: ErrNotRunning}
	}
	if err := events.Validate(ev); err != nil {
		b.validationErrors.Add(1)
		return PublishResult{EventID: ev.ID, Err: fmt.Errorf("eventbus: invalid event: %w", err)}
	}

	if b.limiter != nil && !ev.IsSafety() {
		decision := b.limiter.CheckEventRateLimit(ctx, ev)
		if !decision.Allowed {
			b.rateLimited.Add(1)
			b.rateLimitedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event_type", ev.Type),
				attribute.String("limit_type", string(decision.LimitType))))
			b.emitRateLimited(ev, decision)
			return PublishResult{
				EventID:  ev.ID,
				Err:      &RateLimitError{Decision: decision},
				Decision: &decision,
			}
		}
		b.dispatch(ctx, ev)
		return PublishResult{Success: true, EventID: ev.ID, Decision: &decision}
	}

	b.dispatch(ctx, ev)
	return PublishResult{Success: true, EventID: ev.ID}
}

// emitRateLimited publishes the denial notice on a separate goroutine. The
// notice itself is never rate limited.
func (b *Bus) emitRateLimited(original events.Event, d ratelimit.Decision) {
	notice := events.New(
		events.Source{Tier: events.TierCrossCutting, Component: "eventbus"},
		events.RateLimited{
			OriginalEventID:   original.ID,
			OriginalEventType: original.Type,
			UserID:            original.Metadata.UserID,
			RetryAfterMs:      d.RetryAfterMs,
			LimitType:         string(d.LimitType),
		},
		events.WithPriority(events.PriorityHigh),
		events.WithUserID(original.Metadata.UserID),
	)

	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return
	}
	b.internal.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.internal.Done()
		if err := events.Validate(notice); err != nil {
			b.logger.Warn("rate limit notice invalid", "error", err)
			return
		}
		b.dispatch(context.Background(), notice)
	}()
}

func (b *Bus) dispatch(ctx context.Context, ev events.Event) {
	b.published.Add(1)
	b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))

	b.mu.Lock()
	b.byTopic[ev.Type]++
	if ev.Metadata.DeliveryGuarantee == events.BarrierSync && ev.Metadata.Barrier != nil {
		b.barriers[ev.ID] = b.newBarrier(ev.ID, *ev.Metadata.Barrier)
	}
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if events.MatchTopic(s.pattern, ev.Type) {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matched {
		if s.mode == ModeSync {
			b.deliver(ctx, s, ev)
			continue
		}
		block := ev.Metadata.DeliveryGuarantee != events.FireAndForget
		if block && s.deliveringTo(ctx) {
			// The handler is publishing to itself: waiting for queue space
			// would wait on this very goroutine.
			if !s.enqueue(ctx, ev, false) {
				b.logger.Debug("own queue full, handing event off",
					"subscription_id", s.id, "event_type", ev.Type, "event_id", ev.ID)
				go s.enqueue(context.WithoutCancel(ctx), ev, true)
			}
			continue
		}
		if !s.enqueue(ctx, ev, block) {
			b.dropped.Add(1)
			b.logger.Warn("subscriber queue full, event dropped",
				"subscription_id", s.id, "event_type", ev.Type, "event_id", ev.ID)
		}
	}
}

// deliver runs the handler, retrying reliable events with backoff. Panics are
// recovered and counted as failures.
func (b *Bus) deliver(ctx context.Context, s *subscription, ev events.Event) {
	attempts := 1
	if ev.Metadata.DeliveryGuarantee != events.FireAndForget {
		attempts = b.retryPolicy.MaxAttempts
	}
	policy := b.retryPolicy
	policy.MaxAttempts = attempts

	_, err := retry.Do(ctx, s.id+":"+ev.ID, policy, func(int) error {
		return safeCall(ctx, s.handler, ev)
	})
	if err != nil {
		b.handlerFailures.Add(1)
		b.logger.Warn("event handler failed",
			"subscription_id", s.id, "event_type", ev.Type, "event_id", ev.ID, "error", err)
		return
	}
	b.delivered.Add(1)
	b.deliveredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
}

func safeCall(ctx context.Context, h Handler, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Subscribe registers handler for pattern and returns the subscription id.
// Each asynchronous subscription owns a FIFO queue drained by one goroutine,
// so a subscriber sees events in publish order. The one exception: a reliable
// event an asynchronous handler publishes back to its own full queue, using
// the ctx it was handed, is queued from a separate goroutine and may land
// after events published later.
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) (string, error) {
	if !events.ValidPattern(pattern) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if handler == nil {
		return "", ErrNilHandler
	}
	if opts.Mode == "" {
		opts.Mode = ModeAsync
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = b.queueSize
	}

	s := newSubscription(uuid.NewString(), pattern, handler, opts)
	if s.mode == ModeAsync {
		b.workers.Add(1)
		go func() {
			defer b.workers.Done()
			s.run(func(ev events.Event) { b.deliver(withWorker(context.Background(), s), s, ev) })
		}()
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	b.logger.Debug("subscribed", "subscription_id", s.id, "pattern", pattern, "mode", s.mode)
	return s.id, nil
}

// Unsubscribe releases a subscription. Queued but undelivered events for it
// are discarded. It reports whether the id was known.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	var found *subscription
	for i, s := range b.subs {
		if s.id == id {
			found = s
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if found == nil {
		return false
	}
	found.abort()
	return true
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	byTopic := make(map[string]int64, len(b.byTopic))
	for k, v := range b.byTopic {
		byTopic[k] = v
	}
	pending := 0
	for _, br := range b.barriers {
		if !br.resolved() {
			pending++
		}
	}
	subs := len(b.subs)
	b.mu.RUnlock()

	m := Metrics{
		Published:        b.published.Load(),
		Delivered:        b.delivered.Load(),
		HandlerFailures:  b.handlerFailures.Load(),
		Dropped:          b.dropped.Load(),
		RateLimited:      b.rateLimited.Load(),
		ValidationErrors: b.validationErrors.Load(),
		Subscriptions:    subs,
		PendingBarriers:  pending,
		ByTopic:          byTopic,
	}
	if b.limiterStat != nil {
		m.Limiter = b.limiterStat()
	}
	return m
}
