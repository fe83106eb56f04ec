// Package monitor observes the tiers through the event bus. It keeps per-tier
// usage windows and a buffer of recent events, and turns them into efficiency
// analyses and optimization suggestions. It never allocates resources.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/tierflow/pkg/config"
	"github.com/Mindburn-Labs/tierflow/pkg/eventbus"
	"github.com/Mindburn-Labs/tierflow/pkg/events"
)

// Patterns the monitor subscribes to.
var Patterns = []string{"swarm.*", "run.*", "resource.*", "metrics.*", "tier.*"}

// Trends compare the recent half of the window against the earlier half.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// trendDelta is the efficiency change that counts as a trend.
const trendDelta = 0.05

// TierAnalysis is the efficiency of one tier over the window.
type TierAnalysis struct {
	Tier           events.Tier `json:"tier"`
	Executions     int64       `json:"executions"`
	Failures       int64       `json:"failures"`
	SuccessRate    float64     `json:"successRate"`
	Efficiency     float64     `json:"efficiency"`
	CreditsUsed    int64       `json:"creditsUsed"`
	WastedCredits  int64       `json:"wastedCredits"`
	AvgDurationMs  int64       `json:"avgDurationMs"`
	PeakMemoryMB   int64       `json:"peakMemoryMB"`
	RateLimited    int64       `json:"rateLimited"`
	BudgetExceeded int64       `json:"budgetExceeded"`
	Active         int         `json:"active"`
	Trend          Trend       `json:"trend"`
	Bottleneck     bool        `json:"bottleneck"`
	earlier        float64
	recent         float64
}

// Analysis is the result of PerformEfficiencyAnalysis.
type Analysis struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Window      time.Duration  `json:"window"`
	Tiers       []TierAnalysis `json:"tiers"`
	Overall     float64        `json:"overall"`
	Bottlenecks []events.Tier  `json:"bottlenecks"`
	Trend       Trend          `json:"trend"`
}

// Action is the kind of change a suggestion proposes.
type Action string

const (
	ActionReduce     Action = "reduce"
	ActionSubstitute Action = "substitute"
)

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

func (r Risk) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	}
	return 0
}

// Suggestion is one actionable optimization.
type Suggestion struct {
	Tier   events.Tier `json:"tier"`
	Action Action      `json:"action"`
	Risk   Risk        `json:"risk"`
	Reason string      `json:"reason"`
}

// Monitor is the cross-tier resource monitor.
type Monitor struct {
	tuning config.Monitor
	clock  func() time.Time
	logger *slog.Logger
	meter  metric.Meter
	recent *Ring[events.Event]

	mu        sync.RWMutex
	trackers  map[events.Tier]*UsageTracker
	order     []events.Tier
	snapshots map[events.Tier]events.TierSnapshot
	topics    map[string]int64

	analysisMu sync.Mutex
	cached     *Analysis

	sub    eventbus.Subscriber
	subIDs []string
	reg    metric.Registration
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option { return func(m *Monitor) { m.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithMeter exports per-tier efficiency as an observable gauge on meter.
func WithMeter(meter metric.Meter) Option { return func(m *Monitor) { m.meter = meter } }

// New creates a monitor. Zero tuning fields take their defaults.
func New(tuning config.Monitor, opts ...Option) *Monitor {
	def := config.DefaultTuning().Monitor
	if tuning.Window <= 0 {
		tuning.Window = def.Window
	}
	if tuning.BucketSize <= 0 {
		tuning.BucketSize = def.BucketSize
	}
	if tuning.RecentEvents <= 0 {
		tuning.RecentEvents = def.RecentEvents
	}
	if tuning.AnalysisTTL <= 0 {
		tuning.AnalysisTTL = def.AnalysisTTL
	}
	if tuning.BottleneckThreshold <= 0 {
		tuning.BottleneckThreshold = def.BottleneckThreshold
	}

	m := &Monitor{
		tuning:    tuning,
		clock:     time.Now,
		logger:    slog.Default().With("component", "resource-monitor"),
		meter:     otel.Meter("github.com/Mindburn-Labs/tierflow/monitor"),
		recent:    NewRing[events.Event](tuning.RecentEvents),
		trackers:  make(map[events.Tier]*UsageTracker),
		snapshots: make(map[events.Tier]events.TierSnapshot),
		topics:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, t := range []events.Tier{events.TierOne, events.TierTwo, events.TierThree} {
		m.tracker(t)
	}
	m.registerGauge()
	return m
}

func (m *Monitor) registerGauge() {
	gauge, err := m.meter.Float64ObservableGauge("tierflow.monitor.efficiency",
		metric.WithDescription("Per-tier efficiency over the monitor window"))
	if err != nil {
		m.logger.Warn("efficiency gauge unavailable", "error", err)
		return
	}
	m.reg, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, t := range m.PerformEfficiencyAnalysis().Tiers {
			o.ObserveFloat64(gauge, t.Efficiency, metric.WithAttributes(attribute.String("tier", string(t.Tier))))
		}
		return nil
	}, gauge)
	if err != nil {
		m.logger.Warn("efficiency gauge callback not registered", "error", err)
	}
}

// Subscribe attaches the monitor to the bus.
func (m *Monitor) Subscribe(sub eventbus.Subscriber) error {
	var ids []string
	for _, p := range Patterns {
		id, err := sub.Subscribe(p, m.handle, eventbus.SubscribeOptions{Mode: eventbus.ModeAsync})
		if err != nil {
			for _, done := range ids {
				sub.Unsubscribe(done)
			}
			return fmt.Errorf("monitor: subscribe %s: %w", p, err)
		}
		ids = append(ids, id)
	}
	m.mu.Lock()
	m.sub = sub
	m.subIDs = append(m.subIDs, ids...)
	m.mu.Unlock()
	return nil
}

// Close releases subscriptions and the gauge callback.
func (m *Monitor) Close() {
	m.mu.Lock()
	sub, ids, reg := m.sub, m.subIDs, m.reg
	m.subIDs, m.reg = nil, nil
	m.mu.Unlock()
	for _, id := range ids {
		sub.Unsubscribe(id)
	}
	if reg != nil {
		_ = reg.Unregister()
	}
}

func (m *Monitor) handle(_ context.Context, ev events.Event) error {
	m.recent.Add(ev)
	m.mu.Lock()
	m.topics[ev.Type]++
	m.mu.Unlock()

	switch p := ev.Data.(type) {
	case events.TierExecutionCompleted:
		m.tracker(p.Tier).RecordOutcome(p.Success, p.Usage, p.DurationMs)
	case events.TierExecutionFailed:
		m.tracker(p.Tier).RecordOutcome(false, p.Usage, p.DurationMs)
	case events.RateLimited:
		m.tracker(tierOfTopic(p.OriginalEventType)).RecordRateLimited()
	case events.BudgetExceeded:
		m.tracker(p.Tier).RecordBudgetExceeded()
	case events.TierSnapshot:
		m.mu.Lock()
		m.snapshots[p.Tier] = p
		m.mu.Unlock()
	}
	return nil
}

// tierOfTopic attributes an event type to the tier that publishes it.
func tierOfTopic(topic string) events.Tier {
	switch {
	case strings.HasPrefix(topic, "swarm."):
		return events.TierOne
	case strings.HasPrefix(topic, "run."):
		return events.TierTwo
	case strings.HasPrefix(topic, "step."):
		return events.TierThree
	}
	return events.TierCrossCutting
}

func (m *Monitor) tracker(t events.Tier) *UsageTracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trackers[t]
	if !ok {
		tr = NewUsageTracker(m.tuning.Window, m.tuning.BucketSize, m.clock)
		m.trackers[t] = tr
		m.order = append(m.order, t)
	}
	return tr
}

// Usage returns the live buckets for one tier.
func (m *Monitor) Usage(t events.Tier) []Bucket {
	m.mu.RLock()
	tr, ok := m.trackers[t]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return tr.Buckets()
}

// RecentEvents returns up to limit of the newest buffered events, oldest
// first. limit <= 0 returns all.
func (m *Monitor) RecentEvents(limit int) []events.Event {
	items := m.recent.Items()
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}

// QueryEvents returns buffered events matching pattern at or after since.
func (m *Monitor) QueryEvents(pattern string, since time.Time) []events.Event {
	var out []events.Event
	for _, ev := range m.recent.Items() {
		if !ev.Timestamp.Before(since) && events.MatchTopic(pattern, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// TopicCounts returns how many events of each type the monitor has seen.
func (m *Monitor) TopicCounts() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.topics))
	for k, v := range m.topics {
		out[k] = v
	}
	return out
}

// PerformEfficiencyAnalysis computes per-tier efficiency. The result is
// cached for the analysis TTL.
func (m *Monitor) PerformEfficiencyAnalysis() Analysis {
	m.analysisMu.Lock()
	defer m.analysisMu.Unlock()
	now := m.clock()
	if m.cached != nil && now.Sub(m.cached.GeneratedAt) < m.tuning.AnalysisTTL {
		return cloneAnalysis(*m.cached)
	}
	a := m.analyze(now)
	m.cached = &a
	return cloneAnalysis(a)
}

func cloneAnalysis(a Analysis) Analysis {
	a.Tiers = append([]TierAnalysis(nil), a.Tiers...)
	a.Bottlenecks = append([]events.Tier(nil), a.Bottlenecks...)
	return a
}

func (m *Monitor) analyze(now time.Time) Analysis {
	m.mu.RLock()
	order := append([]events.Tier(nil), m.order...)
	trackers := make([]*UsageTracker, len(order))
	for i, t := range order {
		trackers[i] = m.trackers[t]
	}
	snapshots := make(map[events.Tier]events.TierSnapshot, len(m.snapshots))
	for k, v := range m.snapshots {
		snapshots[k] = v
	}
	m.mu.RUnlock()

	a := Analysis{GeneratedAt: now, Window: m.tuning.Window, Trend: TrendStable}
	var all, early, late Bucket
	for i, t := range order {
		total := trackers[i].Totals()
		earlier, recent := trackers[i].Halves()
		all.merge(total)
		early.merge(earlier)
		late.merge(recent)

		ta := TierAnalysis{
			Tier:           t,
			Executions:     total.Executions,
			Failures:       total.Failures,
			SuccessRate:    total.SuccessRate(),
			Efficiency:     total.Efficiency(),
			CreditsUsed:    total.CreditsUsed,
			WastedCredits:  total.WastedCredits,
			PeakMemoryMB:   total.PeakMemoryMB,
			RateLimited:    total.RateLimited,
			BudgetExceeded: total.BudgetExceeded,
			Active:         snapshots[t].Active,
			Trend:          trendOf(earlier, recent),
			earlier:        earlier.Efficiency(),
			recent:         recent.Efficiency(),
		}
		if total.Executions > 0 {
			ta.AvgDurationMs = total.DurationMs / total.Executions
			ta.Bottleneck = ta.Efficiency < m.tuning.BottleneckThreshold
		}
		if ta.Executions == 0 && ta.RateLimited == 0 && ta.BudgetExceeded == 0 && ta.Active == 0 && !isCoreTier(t) {
			continue
		}
		if ta.Bottleneck {
			a.Bottlenecks = append(a.Bottlenecks, t)
		}
		a.Tiers = append(a.Tiers, ta)
	}
	a.Overall = all.Efficiency()
	a.Trend = trendOf(early, late)
	return a
}

func isCoreTier(t events.Tier) bool {
	return t == events.TierOne || t == events.TierTwo || t == events.TierThree
}

func trendOf(earlier, recent Bucket) Trend {
	if earlier.Executions == 0 || recent.Executions == 0 {
		return TrendStable
	}
	switch d := recent.Efficiency() - earlier.Efficiency(); {
	case d > trendDelta:
		return TrendImproving
	case d < -trendDelta:
		return TrendDeclining
	}
	return TrendStable
}

// GetOptimizationSuggestions turns the current analysis into suggestions,
// riskiest first.
func (m *Monitor) GetOptimizationSuggestions() []Suggestion {
	a := m.PerformEfficiencyAnalysis()
	threshold := m.tuning.BottleneckThreshold

	var out []Suggestion
	for _, t := range a.Tiers {
		if t.Bottleneck {
			risk := RiskMedium
			if t.Efficiency < threshold/2 {
				risk = RiskHigh
			}
			out = append(out, Suggestion{
				Tier: t.Tier, Action: ActionReduce, Risk: risk,
				Reason: fmt.Sprintf("reduce allocation and concurrency for %s: efficiency %.2f is below %.2f (%d of %d executions failed)",
					t.Tier, t.Efficiency, threshold, t.Failures, t.Executions),
			})
		}
		if attempts := t.Executions + t.RateLimited; t.RateLimited > 0 && float64(t.RateLimited)/float64(attempts) >= 0.1 {
			out = append(out, Suggestion{
				Tier: t.Tier, Action: ActionReduce, Risk: RiskLow,
				Reason: fmt.Sprintf("reduce event volume for %s: %d events were rate limited", t.Tier, t.RateLimited),
			})
		}
		if t.BudgetExceeded > 0 {
			out = append(out, Suggestion{
				Tier: t.Tier, Action: ActionReduce, Risk: RiskLow,
				Reason: fmt.Sprintf("reduce step cost estimates for %s: %d executions exceeded their budget", t.Tier, t.BudgetExceeded),
			})
		}
		if t.Trend == TrendDeclining {
			risk := RiskMedium
			if t.Bottleneck {
				risk = RiskHigh
			}
			out = append(out, Suggestion{
				Tier: t.Tier, Action: ActionSubstitute, Risk: risk,
				Reason: fmt.Sprintf("substitute routines or strategy for %s: efficiency fell from %.2f to %.2f",
					t.Tier, t.earlier, t.recent),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Risk.rank() != out[j].Risk.rank() {
			return out[i].Risk.rank() > out[j].Risk.rank()
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

// Report bundles the analysis and suggestions for display.
type Report struct {
	Analysis    Analysis         `json:"analysis"`
	Suggestions []Suggestion     `json:"suggestions"`
	Events      map[string]int64 `json:"events"`
}

func (m *Monitor) Report() Report {
	return Report{
		Analysis:    m.PerformEfficiencyAnalysis(),
		Suggestions: m.GetOptimizationSuggestions(),
		Events:      m.TopicCounts(),
	}
}
