package tier

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

// ExecutionMetrics is the in-memory record of one execution. It lives from
// execution start until the retention window after completion.
type ExecutionMetrics struct {
	ID        string
	SwarmID   string
	Tier      events.Tier
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Phase     Phase
	Done      bool
	Success   bool
	ErrorType ErrorType
	Tracker   *resources.Tracker
}

// MetricsRegistry holds ExecutionMetrics keyed by execution id.
type MetricsRegistry struct {
	mu      sync.RWMutex
	entries map[string]*ExecutionMetrics
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{entries: make(map[string]*ExecutionMetrics)}
}

func (r *MetricsRegistry) register(id, swarmID string, t events.Tier) *resources.Tracker {
	tracker := resources.NewTracker()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &ExecutionMetrics{
		ID:        id,
		SwarmID:   swarmID,
		Tier:      t,
		StartTime: tracker.StartedAt(),
		Phase:     PhaseValidation,
		Tracker:   tracker,
	}
	return tracker
}

func (r *MetricsRegistry) setPhase(id string, p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.entries[id]; ok {
		m.Phase = p
	}
}

func (r *MetricsRegistry) phase(id string) Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.entries[id]; ok {
		return m.Phase
	}
	return PhaseValidation
}

func (r *MetricsRegistry) finish(id string, success bool, errType ErrorType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[id]
	if !ok {
		return
	}
	m.EndTime = time.Now()
	m.Duration = m.EndTime.Sub(m.StartTime)
	m.Done = true
	m.Success = success
	m.ErrorType = errType
}

// scheduleRemoval drops the entry after retention without blocking.
func (r *MetricsRegistry) scheduleRemoval(id string, retention time.Duration) {
	if retention <= 0 {
		r.remove(id)
		return
	}
	time.AfterFunc(retention, func() { r.remove(id) })
}

func (r *MetricsRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns a copy of one entry.
func (r *MetricsRegistry) Get(id string) (ExecutionMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[id]
	if !ok {
		return ExecutionMetrics{}, false
	}
	return *m, true
}

// BySwarm returns copies of every entry recorded for swarmID.
func (r *MetricsRegistry) BySwarm(swarmID string) []ExecutionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ExecutionMetrics
	for _, m := range r.entries {
		if m.SwarmID == swarmID {
			out = append(out, *m)
		}
	}
	return out
}

// Active counts executions that have not finished.
func (r *MetricsRegistry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.entries {
		if !m.Done {
			n++
		}
	}
	return n
}

// Len counts retained entries, finished or not.
func (r *MetricsRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
