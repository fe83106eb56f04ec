package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
)

const keyPrefix = "ratelimit"

// Decision is computed per publish and never persisted.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	RetryAfterMs   int64     `json:"retryAfterMs,omitempty"`
	RemainingQuota int64     `json:"remainingQuota,omitempty"`
	LimitType      LimitType `json:"limitType"`
	ResetTime      time.Time `json:"resetTime,omitzero"`
	Cost           int64     `json:"cost"`
}

// Metrics is a point-in-time copy of the limiter counters.
type Metrics struct {
	Checked     int64 `json:"checked"`
	Allowed     int64 `json:"allowed"`
	Denied      int64 `json:"denied"`
	Bypassed    int64 `json:"bypassed"`
	StoreErrors int64 `json:"storeErrors"`
}

// Limiter classifies events, prices them and consults the store.
type Limiter struct {
	store  Store
	limits Limits
	costs  Costs
	logger *slog.Logger
	now    func() time.Time

	checked     atomic.Int64
	allowed     atomic.Int64
	denied      atomic.Int64
	bypassed    atomic.Int64
	storeErrors atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithLimits(l Limits) Option { return func(r *Limiter) { r.limits = l } }

func WithCosts(c Costs) Option { return func(r *Limiter) { r.costs = c } }

func WithLogger(logger *slog.Logger) Option { return func(r *Limiter) { r.logger = logger } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Limiter) { r.now = now } }

// New creates a limiter over store. A nil store denies every non-safety event.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limits: DefaultLimits(),
		costs:  DefaultCosts(),
		logger: slog.Default().With("component", "ratelimit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the effective bucket table.
func (l *Limiter) Limits() Limits { return l.limits }

// Costs returns the effective cost table.
func (l *Limiter) Costs() Costs { return l.costs }

// CheckEventRateLimit decides whether ev may be published. Safety events are
// allowed without touching the store. Any store failure denies with
// LimitGlobal.
func (l *Limiter) CheckEventRateLimit(ctx context.Context, ev events.Event) Decision {
	l.checked.Add(1)

	if ev.IsSafety() && l.limits.Safety.Bypass {
		l.bypassed.Add(1)
		l.allowed.Add(1)
		return Decision{Allowed: true, LimitType: LimitNone}
	}

	class := Classify(ev)
	cost := l.costs.For(class, ev.Type)
	buckets := l.bucketsFor(class, userOf(ev), ev.Metadata.ConversationID)
	now := l.now()

	if l.store == nil {
		return l.failClosed(ev, cost, errors.New("no limiter store configured"))
	}

	res, err := l.store.Take(ctx, buckets, cost, now)
	if err != nil {
		return l.failClosed(ev, cost, err)
	}

	if res.Allowed {
		l.allowed.Add(1)
		d := Decision{Allowed: true, LimitType: LimitNone, Cost: cost}
		if res.Remaining >= 0 {
			d.RemainingQuota = res.Remaining
		}
		return d
	}

	l.denied.Add(1)
	limitType := LimitTier
	if res.Exhausted >= 0 && res.Exhausted < len(buckets) {
		limitType = buckets[res.Exhausted].Type
	}
	d := Decision{
		Allowed:      false,
		RetryAfterMs: res.WaitMs,
		LimitType:    limitType,
		ResetTime:    now.Add(time.Duration(res.WaitMs) * time.Millisecond),
		Cost:         cost,
	}
	if res.Remaining > 0 {
		d.RemainingQuota = res.Remaining
	}
	l.logger.Debug("event rate limited",
		"event_type", ev.Type, "event_id", ev.ID, "limit_type", limitType, "retry_after_ms", res.WaitMs)
	return d
}

func (l *Limiter) failClosed(ev events.Event, cost int64, err error) Decision {
	l.storeErrors.Add(1)
	l.denied.Add(1)
	l.logger.Warn("rate limit store unavailable, denying event",
		"event_type", ev.Type, "event_id", ev.ID, "error", err)
	return Decision{Allowed: false, LimitType: LimitGlobal, Cost: cost}
}

// bucketsFor resolves the composite bucket set: the tier bucket, scoped to the
// user when known, then the user and conversation buckets.
func (l *Limiter) bucketsFor(class Class, userID, conversationID string) []BucketKey {
	tierKey := fmt.Sprintf("%s:tier:%s", keyPrefix, class)
	if userID != "" {
		tierKey += ":user:" + userID
	}
	out := []BucketKey{{Key: tierKey, Type: LimitTier, Bucket: l.limits.ForClass(class)}}
	if userID != "" {
		out = append(out, BucketKey{Key: keyPrefix + ":user:" + userID, Type: LimitUser, Bucket: l.limits.User})
	}
	if conversationID != "" {
		out = append(out, BucketKey{Key: keyPrefix + ":conversation:" + conversationID, Type: LimitConversation, Bucket: l.limits.Conversation})
	}
	return out
}

// userOf reads the user from metadata, then from payloads that carry one.
func userOf(ev events.Event) string {
	if ev.Metadata.UserID != "" {
		return ev.Metadata.UserID
	}
	switch p := ev.Data.(type) {
	case events.SwarmStarted:
		return p.UserID
	case events.RateLimited:
		return p.UserID
	}
	return ""
}

// BucketStatus is the read-only view of one bucket.
type BucketStatus struct {
	Key       string    `json:"key"`
	LimitType LimitType `json:"limitType"`
	Capacity  int64     `json:"capacity"`
	Remaining int64     `json:"remaining"`
}

// Status reports the quota a user currently has for one event type.
type Status struct {
	UserID    string         `json:"userId"`
	EventType string         `json:"eventType"`
	Cost      int64          `json:"cost"`
	Allowed   bool           `json:"allowed"`
	Buckets   []BucketStatus `json:"buckets"`
}

// GetRateLimitStatus peeks at the buckets an event of eventType from userID
// would be charged against. Nothing is consumed.
func (l *Limiter) GetRateLimitStatus(ctx context.Context, userID, eventType string) (Status, error) {
	class := ClassifyTopic(eventType)
	st := Status{
		UserID:    userID,
		EventType: eventType,
		Cost:      l.costs.For(class, eventType),
		Allowed:   true,
	}
	if l.store == nil {
		return st, errors.New("ratelimit: no limiter store configured")
	}

	now := l.now()
	for _, b := range l.bucketsFor(class, userID, "") {
		remaining, err := l.store.Peek(ctx, b, now)
		if err != nil {
			return st, err
		}
		if remaining < st.Cost {
			st.Allowed = false
		}
		st.Buckets = append(st.Buckets, BucketStatus{
			Key:       b.Key,
			LimitType: b.Type,
			Capacity:  b.Bucket.Capacity,
			Remaining: remaining,
		})
	}
	return st, nil
}

// Metrics returns the limiter counters.
func (l *Limiter) Metrics() Metrics {
	return Metrics{
		Checked:     l.checked.Load(),
		Allowed:     l.allowed.Load(),
		Denied:      l.denied.Load(),
		Bypassed:    l.bypassed.Load(),
		StoreErrors: l.storeErrors.Load(),
	}
}
