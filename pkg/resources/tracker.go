package resources

import (
	"sync"
	"time"
)

// Tracker accumulates usage for one in-flight execution. It is safe for
// concurrent use; parallel branches record into the same tracker.
type Tracker struct {
	mu    sync.Mutex
	start time.Time
	usage Usage
	now   func() time.Time
}

// NewTracker starts a tracker at the current time.
func NewTracker() *Tracker {
	return newTrackerAt(time.Now)
}

func newTrackerAt(now func() time.Time) *Tracker {
	return &Tracker{start: now(), now: now}
}

// Record adds u to the tracked usage. The duration of u is ignored; tracked
// duration is always wall-clock time since the tracker started.
func (t *Tracker) Record(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u.DurationMs = 0
	t.usage = t.usage.Add(u)
}

// StartedAt returns when the tracker was created.
func (t *Tracker) StartedAt() time.Time {
	return t.start
}

// Elapsed returns the wall-clock time since the tracker started.
func (t *Tracker) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Snapshot returns the current usage with the elapsed duration stamped in.
func (t *Tracker) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.usage
	out.DurationMs = t.now().Sub(t.start).Milliseconds()
	if out.DurationMs < 0 {
		out.DurationMs = 0
	}
	return out
}
