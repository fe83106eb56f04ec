// Package ratelimit implements token-bucket admission control for the event
// bus. Buckets are keyed by a composite of tier, user and conversation and are
// checked atomically in a shared store.
package ratelimit

import (
	"strings"

	"github.com/Mindburn-Labs/tierflow/pkg/events"
)

// Class is the cost and bucket class an event falls into.
type Class string

const (
	ClassCoordination Class = "coordination"
	ClassProcess      Class = "process"
	ClassExecution    Class = "execution"
)

// LimitType names the bucket that denied an event. LimitGlobal is reported
// when the store could not be consulted.
type LimitType string

const (
	LimitTier         LimitType = "tier"
	LimitUser         LimitType = "user"
	LimitConversation LimitType = "conversation"
	LimitGlobal       LimitType = "global"
	LimitNone         LimitType = "none"
)

// Bucket is a token bucket definition.
type Bucket struct {
	Capacity        int64   `json:"capacity" yaml:"capacity"`
	RefillPerSecond float64 `json:"refillPerSecond" yaml:"refill_per_second"`
}

// SafetyLimits controls the safety-tier exemption.
type SafetyLimits struct {
	Bypass bool `json:"bypass" yaml:"bypass"`
}

// Limits is the full bucket table.
type Limits struct {
	Coordination Bucket       `json:"coordination" yaml:"coordination"`
	Process      Bucket       `json:"process" yaml:"process"`
	Execution    Bucket       `json:"execution" yaml:"execution"`
	User         Bucket       `json:"user" yaml:"user"`
	Conversation Bucket       `json:"conversation" yaml:"conversation"`
	Safety       SafetyLimits `json:"safety" yaml:"safety"`
}

// DefaultLimits returns the stock bucket table. Safety events always bypass.
func DefaultLimits() Limits {
	return Limits{
		Coordination: Bucket{Capacity: 100, RefillPerSecond: 10},
		Process:      Bucket{Capacity: 500, RefillPerSecond: 50},
		Execution:    Bucket{Capacity: 2000, RefillPerSecond: 200},
		User:         Bucket{Capacity: 5000, RefillPerSecond: 100},
		Conversation: Bucket{Capacity: 2500, RefillPerSecond: 50},
		Safety:       SafetyLimits{Bypass: true},
	}
}

// ForClass returns the tier bucket for c.
func (l Limits) ForClass(c Class) Bucket {
	switch c {
	case ClassProcess:
		return l.Process
	case ClassExecution:
		return l.Execution
	default:
		return l.Coordination
	}
}

// Costs assigns a token cost to each event.
type Costs struct {
	Base        map[Class]int64  `json:"base" yaml:"base"`
	Multipliers map[string]int64 `json:"multipliers" yaml:"multipliers"`
}

// DefaultCosts returns the stock cost table. An external tool call is the
// most expensive event: ten times the execution base cost.
func DefaultCosts() Costs {
	return Costs{
		Base: map[Class]int64{
			ClassCoordination: 1,
			ClassProcess:      5,
			ClassExecution:    10,
		},
		Multipliers: map[string]int64{
			events.TopicStepToolCall: 10,
			events.TopicRunStarted:   2,
			events.TopicSwarmStarted: 3,
		},
	}
}

// For returns base(class) * multiplier(eventType). Unknown classes cost 1 and
// unknown event types have multiplier 1.
func (c Costs) For(class Class, eventType string) int64 {
	base, ok := c.Base[class]
	if !ok || base <= 0 {
		base = 1
	}
	mult, ok := c.Multipliers[eventType]
	if !ok || mult <= 0 {
		mult = 1
	}
	return base * mult
}

// ClassifyTier maps a source tier to its class.
func ClassifyTier(t events.Tier) (Class, bool) {
	switch t {
	case events.TierOne:
		return ClassCoordination, true
	case events.TierTwo:
		return ClassProcess, true
	case events.TierThree:
		return ClassExecution, true
	}
	return "", false
}

// ClassifyTopic maps an event type to a class by its first segment.
func ClassifyTopic(eventType string) Class {
	head, _, _ := strings.Cut(strings.ReplaceAll(eventType, "/", "."), ".")
	switch head {
	case "run":
		return ClassProcess
	case "step":
		return ClassExecution
	case "tier":
		return ClassProcess
	}
	return ClassCoordination
}

// Classify resolves the class of ev: source tier first, topic otherwise.
func Classify(ev events.Event) Class {
	if c, ok := ClassifyTier(ev.Source.Tier); ok {
		return c
	}
	return ClassifyTopic(ev.Type)
}
