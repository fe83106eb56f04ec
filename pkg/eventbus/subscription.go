package eventbus

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
)

// Handler consumes one event. A returned error counts as a delivery failure
// and triggers a retry for reliable events.
type Handler func(ctx context.Context, ev events.Event) error

// Mode selects how a subscription receives events.
type Mode string

const (
	// ModeAsync queues events for a dedicated goroutine. Default.
	ModeAsync Mode = "async"
	// ModeSync runs the handler inline inside Publish.
	ModeSync Mode = "sync"
)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Mode      Mode
	QueueSize int
}

type subscription struct {
	id      string
	pattern string
	handler Handler
	mode    Mode

	mu     sync.RWMutex
	closed bool
	queue  chan events.Event
	quit   chan struct{}
	once   sync.Once
}

func newSubscription(id, pattern string, h Handler, opts SubscribeOptions) *subscription {
	s := &subscription{
		id:      id,
		pattern: pattern,
		handler: h,
		mode:    opts.Mode,
		quit:    make(chan struct{}),
	}
	if s.mode == ModeAsync {
		s.queue = make(chan events.Event, opts.QueueSize)
	}
	return s
}

// workerKey marks the context an asynchronous handler runs with.
type workerKey struct{}

func withWorker(ctx context.Context, s *subscription) context.Context {
	return context.WithValue(ctx, workerKey{}, s)
}

// deliveringTo reports whether ctx belongs to s's own worker.
func (s *subscription) deliveringTo(ctx context.Context) bool {
	w, _ := ctx.Value(workerKey{}).(*subscription)
	return w == s
}

// enqueue hands ev to the worker. Without block a full queue drops the event.
func (s *subscription) enqueue(ctx context.Context, ev events.Event, block bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if !block {
		select {
		case s.queue <- ev:
			return true
		default:
			return false
		}
	}
	select {
	case s.queue <- ev:
		return true
	case <-s.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

// run drains the queue until it is closed or the subscription is aborted.
func (s *subscription) run(deliver func(events.Event)) {
	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-s.queue:
			if !ok {
				return
			}
			deliver(ev)
		}
	}
}

// closeQueue stops intake; the worker finishes what is already queued.
func (s *subscription) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.queue != nil {
		close(s.queue)
	}
}

// abort stops the worker without draining.
func (s *subscription) abort() {
	s.once.Do(func() { close(s.quit) })
	s.closeQueue()
}
