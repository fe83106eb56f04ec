// Package events defines the event model shared by every tier: the envelope,
// its delivery metadata, and the closed set of typed payloads keyed by topic.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissingID is returned when an event has no id.
	ErrMissingID = errors.New("events: id must not be empty")
	// ErrMissingPayload is returned when an event carries no data.
	ErrMissingPayload = errors.New("events: data must not be nil")
	// ErrTopicMismatch is returned when the event type disagrees with its payload.
	ErrTopicMismatch = errors.New("events: type does not match payload")
	// ErrInvalidMetadata is returned for unknown guarantees, priorities or barrier settings.
	ErrInvalidMetadata = errors.New("events: invalid metadata")
	// ErrUnknownTopic is returned when decoding a topic with no registered payload.
	ErrUnknownTopic = errors.New("events: unknown topic")
)

// Tier identifies which layer produced an event.
type Tier string

const (
	TierOne          Tier = "tier1"
	TierTwo          Tier = "tier2"
	TierThree        Tier = "tier3"
	TierCrossCutting Tier = "cross-cutting"
	TierSafety       Tier = "safety"
)

// DeliveryGuarantee controls how the bus hands an event to subscribers.
type DeliveryGuarantee string

const (
	FireAndForget DeliveryGuarantee = "fire-and-forget"
	Reliable      DeliveryGuarantee = "reliable"
	BarrierSync   DeliveryGuarantee = "barrier-sync"
)

// Priority is advisory; the bus does not reorder by priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// TimeoutAction is applied when a barrier does not reach quorum in time.
type TimeoutAction string

const (
	AutoReject  TimeoutAction = "auto-reject"
	AutoApprove TimeoutAction = "auto-approve"
)

// BarrierConfig configures a barrier-sync event.
type BarrierConfig struct {
	Quorum        int           `json:"quorum"`
	TimeoutMs     int64         `json:"timeoutMs"`
	TimeoutAction TimeoutAction `json:"timeoutAction"`
}

// Source names the emitting tier and component.
type Source struct {
	Tier      Tier   `json:"tier"`
	Component string `json:"component"`
}

// Metadata carries delivery and rate-limit classification for an event.
type Metadata struct {
	DeliveryGuarantee DeliveryGuarantee `json:"deliveryGuarantee"`
	Priority          Priority          `json:"priority"`
	UserID            string            `json:"userId,omitempty"`
	ConversationID    string            `json:"conversationId,omitempty"`
	Safety            bool              `json:"safety,omitempty"`
	Barrier           *BarrierConfig    `json:"barrierConfig,omitempty"`
}

// Event is the envelope published on the bus. It is treated as immutable once
// published; handlers receive a copy.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Data      Payload   `json:"data"`
	Metadata  Metadata  `json:"metadata"`
}

// Option customizes an event built by New.
type Option func(*Event)

func WithUserID(userID string) Option {
	return func(e *Event) { e.Metadata.UserID = userID }
}

func WithConversationID(conversationID string) Option {
	return func(e *Event) { e.Metadata.ConversationID = conversationID }
}

func WithPriority(p Priority) Option {
	return func(e *Event) { e.Metadata.Priority = p }
}

func WithDelivery(g DeliveryGuarantee) Option {
	return func(e *Event) { e.Metadata.DeliveryGuarantee = g }
}

// WithBarrier marks the event barrier-sync with the given quorum settings.
func WithBarrier(cfg BarrierConfig) Option {
	return func(e *Event) {
		e.Metadata.DeliveryGuarantee = BarrierSync
		e.Metadata.Barrier = &cfg
	}
}

// WithSafety tags the event as safety-tier. Safety events bypass rate limiting.
func WithSafety() Option {
	return func(e *Event) { e.Metadata.Safety = true }
}

// WithTimestamp overrides the publish timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) { e.Timestamp = ts }
}

// New builds an event for payload with a fresh id and the current time.
// Defaults are fire-and-forget delivery at medium priority.
func New(source Source, payload Payload, opts ...Option) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      payload,
		Metadata: Metadata{
			DeliveryGuarantee: FireAndForget,
			Priority:          PriorityMedium,
		},
	}
	if payload != nil {
		ev.Type = payload.Topic()
	}
	if source.Tier == TierSafety {
		ev.Metadata.Safety = true
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// IsSafety reports whether the event is a safety-tier event.
func (e Event) IsSafety() bool {
	return e.Metadata.Safety || e.Source.Tier == TierSafety
}

// UnmarshalJSON decodes the envelope and resolves Data to the payload type
// registered for the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	type envelope Event
	var raw struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event(raw.envelope)
	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		e.Data = nil
		return nil
	}
	payload, err := DecodePayload(e.Type, raw.Data)
	if err != nil {
		return err
	}
	e.Data = payload
	return nil
}

func (m Metadata) validate() error {
	switch m.DeliveryGuarantee {
	case FireAndForget, Reliable:
	case BarrierSync:
		if m.Barrier == nil {
			return fmt.Errorf("%w: barrier-sync requires barrierConfig", ErrInvalidMetadata)
		}
		if m.Barrier.Quorum <= 0 {
			return fmt.Errorf("%w: barrier quorum must be positive", ErrInvalidMetadata)
		}
		if m.Barrier.TimeoutMs <= 0 {
			return fmt.Errorf("%w: barrier timeoutMs must be positive", ErrInvalidMetadata)
		}
		switch m.Barrier.TimeoutAction {
		case AutoReject, AutoApprove:
		default:
			return fmt.Errorf("%w: timeoutAction %q", ErrInvalidMetadata, m.Barrier.TimeoutAction)
		}
	default:
		return fmt.Errorf("%w: deliveryGuarantee %q", ErrInvalidMetadata, m.DeliveryGuarantee)
	}

	switch m.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("%w: priority %q", ErrInvalidMetadata, m.Priority)
	}
	return nil
}

// Validate checks the envelope, the type/payload pairing and the payload's
// JSON schema. The bus calls it on every publish.
func Validate(ev Event) error {
	if ev.ID == "" {
		return ErrMissingID
	}
	if ev.Data == nil {
		return ErrMissingPayload
	}
	if ev.Type != ev.Data.Topic() {
		return fmt.Errorf("%w: type %q, payload %q", ErrTopicMismatch, ev.Type, ev.Data.Topic())
	}
	if err := ev.Metadata.validate(); err != nil {
		return err
	}
	return validatePayload(ev.Data)
}
