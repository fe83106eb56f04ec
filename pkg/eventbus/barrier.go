package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
)

var (
	// ErrUnknownBarrier is returned for an event id with no barrier.
	ErrUnknownBarrier = errors.New("eventbus: unknown barrier")
	// ErrBarrierResolved is returned when signalling a resolved barrier.
	ErrBarrierResolved = errors.New("eventbus: barrier already resolved")
)

// BarrierOutcome is how a barrier-sync event resolved.
type BarrierOutcome struct {
	EventID    string   `json:"eventId"`
	Approved   bool     `json:"approved"`
	TimedOut   bool     `json:"timedOut"`
	Approvals  []string `json:"approvals"`
	Rejections []string `json:"rejections"`
}

type barrier struct {
	eventID string
	cfg     events.BarrierConfig

	mu         sync.Mutex
	votes      map[string]bool
	order      []string
	outcome    *BarrierOutcome
	done       chan struct{}
	timer      *time.Timer
	onResolved func()
}

func (b *Bus) newBarrier(eventID string, cfg events.BarrierConfig) *barrier {
	br := &barrier{
		eventID: eventID,
		cfg:     cfg,
		votes:   make(map[string]bool),
		done:    make(chan struct{}),
	}
	br.onResolved = func() {
		time.AfterFunc(b.retention, func() {
			b.mu.Lock()
			delete(b.barriers, eventID)
			b.mu.Unlock()
		})
	}
	br.mu.Lock()
	br.timer = time.AfterFunc(time.Duration(cfg.TimeoutMs)*time.Millisecond, br.expire)
	br.mu.Unlock()
	return br
}

func (br *barrier) resolved() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.outcome != nil
}

// signal records one participant's vote. A participant may change its vote
// until the barrier resolves.
func (br *barrier) signal(participant string, approve bool) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.outcome != nil {
		return ErrBarrierResolved
	}
	if _, seen := br.votes[participant]; !seen {
		br.order = append(br.order, participant)
	}
	br.votes[participant] = approve

	approvals, rejections := br.tally()
	switch {
	case len(approvals) >= br.cfg.Quorum:
		br.resolveLocked(true, false)
	case len(rejections) >= br.cfg.Quorum:
		br.resolveLocked(false, false)
	}
	return nil
}

func (br *barrier) tally() (approvals, rejections []string) {
	for _, p := range br.order {
		if br.votes[p] {
			approvals = append(approvals, p)
		} else {
			rejections = append(rejections, p)
		}
	}
	return approvals, rejections
}

func (br *barrier) expire() {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.outcome != nil {
		return
	}
	br.resolveLocked(br.cfg.TimeoutAction == events.AutoApprove, true)
}

func (br *barrier) resolveLocked(approved, timedOut bool) {
	approvals, rejections := br.tally()
	br.outcome = &BarrierOutcome{
		EventID:    br.eventID,
		Approved:   approved,
		TimedOut:   timedOut,
		Approvals:  approvals,
		Rejections: rejections,
	}
	br.timer.Stop()
	close(br.done)
	br.onResolved()
}

func (b *Bus) barrier(eventID string) (*barrier, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	br, ok := b.barriers[eventID]
	if !ok {
		return nil, ErrUnknownBarrier
	}
	return br, nil
}

// Signal records a participant's approval or rejection of a barrier-sync
// event. The barrier resolves once either side reaches quorum.
func (b *Bus) Signal(eventID, participant string, approve bool) error {
	br, err := b.barrier(eventID)
	if err != nil {
		return err
	}
	return br.signal(participant, approve)
}

// AwaitBarrier blocks until the barrier for eventID resolves or ctx ends.
// A barrier that misses quorum resolves by its timeout action.
func (b *Bus) AwaitBarrier(ctx context.Context, eventID string) (BarrierOutcome, error) {
	br, err := b.barrier(eventID)
	if err != nil {
		return BarrierOutcome{}, err
	}
	select {
	case <-br.done:
		br.mu.Lock()
		defer br.mu.Unlock()
		return *br.outcome, nil
	case <-ctx.Done():
		return BarrierOutcome{}, ctx.Err()
	}
}
