package monitor

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

// Bucket aggregates tier outcomes that started within one bucket interval.
type Bucket struct {
	Start          time.Time `json:"start"`
	Executions     int64     `json:"executions"`
	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	CreditsUsed    int64     `json:"creditsUsed"`
	WastedCredits  int64     `json:"wastedCredits"`
	DurationMs     int64     `json:"durationMs"`
	PeakMemoryMB   int64     `json:"peakMemoryMB"`
	RateLimited    int64     `json:"rateLimited"`
	BudgetExceeded int64     `json:"budgetExceeded"`
}

func (b *Bucket) merge(o Bucket) {
	b.Executions += o.Executions
	b.Successes += o.Successes
	b.Failures += o.Failures
	b.CreditsUsed += o.CreditsUsed
	b.WastedCredits += o.WastedCredits
	b.DurationMs += o.DurationMs
	b.PeakMemoryMB = max(b.PeakMemoryMB, o.PeakMemoryMB)
	b.RateLimited += o.RateLimited
	b.BudgetExceeded += o.BudgetExceeded
}

// SuccessRate is successes over executions, 1 with no executions.
func (b Bucket) SuccessRate() float64 {
	if b.Executions == 0 {
		return 1
	}
	return float64(b.Successes) / float64(b.Executions)
}

// Efficiency is the success rate discounted by the share of credits spent on
// failed executions.
func (b Bucket) Efficiency() float64 {
	waste := 0.0
	if b.CreditsUsed > 0 {
		waste = float64(b.WastedCredits) / float64(b.CreditsUsed)
	}
	return b.SuccessRate() * (1 - min(waste, 1))
}

// UsageTracker keeps fixed-size buckets over a sliding window. Buckets older
// than the window are pruned on every access.
type UsageTracker struct {
	mu      sync.Mutex
	window  time.Duration
	size    time.Duration
	clock   func() time.Time
	buckets []Bucket
}

// NewUsageTracker creates a tracker. clock may be nil for time.Now.
func NewUsageTracker(window, bucketSize time.Duration, clock func() time.Time) *UsageTracker {
	if clock == nil {
		clock = time.Now
	}
	if bucketSize <= 0 || bucketSize > window {
		bucketSize = window
	}
	return &UsageTracker{window: window, size: bucketSize, clock: clock}
}

// RecordOutcome adds one finished execution. Credits of a failed execution
// count as wasted.
func (t *UsageTracker) RecordOutcome(success bool, usage resources.Usage, durationMs int64) {
	t.update(func(b *Bucket) {
		b.Executions++
		if success {
			b.Successes++
		} else {
			b.Failures++
			b.WastedCredits += usage.CreditsUsed
		}
		b.CreditsUsed += usage.CreditsUsed
		b.DurationMs += max(durationMs, 0)
		b.PeakMemoryMB = max(b.PeakMemoryMB, usage.MemoryUsedMB)
	})
}

func (t *UsageTracker) RecordRateLimited() {
	t.update(func(b *Bucket) { b.RateLimited++ })
}

func (t *UsageTracker) RecordBudgetExceeded() {
	t.update(func(b *Bucket) { b.BudgetExceeded++ })
}

func (t *UsageTracker) update(fn func(*Bucket)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.prune(now)
	start := now.Truncate(t.size)
	if n := len(t.buckets); n == 0 || !t.buckets[n-1].Start.Equal(start) {
		t.buckets = append(t.buckets, Bucket{Start: start})
	}
	fn(&t.buckets[len(t.buckets)-1])
}

// prune drops buckets that ended before the window. Must be called with mu held.
func (t *UsageTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.buckets) && !t.buckets[i].Start.Add(t.size).After(cutoff) {
		i++
	}
	if i > 0 {
		t.buckets = append(t.buckets[:0], t.buckets[i:]...)
	}
}

// Buckets returns the live buckets, oldest first.
func (t *UsageTracker) Buckets() []Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.clock())
	return append([]Bucket(nil), t.buckets...)
}

// Totals folds every live bucket into one. Start is the oldest bucket start.
func (t *UsageTracker) Totals() Bucket {
	return fold(t.Buckets())
}

// Halves splits the window at its midpoint and folds each side.
func (t *UsageTracker) Halves() (earlier, recent Bucket) {
	t.mu.Lock()
	now := t.clock()
	t.prune(now)
	mid := now.Add(-t.window / 2)
	var a, b []Bucket
	for _, bk := range t.buckets {
		if bk.Start.Before(mid) {
			a = append(a, bk)
		} else {
			b = append(b, bk)
		}
	}
	t.mu.Unlock()
	return fold(a), fold(b)
}

func fold(bs []Bucket) Bucket {
	var out Bucket
	for i, b := range bs {
		if i == 0 {
			out.Start = b.Start
		}
		out.merge(b)
	}
	return out
}
