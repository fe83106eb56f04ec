package resources

import (
	"errors"
	"fmt"
	"math"
)

// Unbounded marks a duration, memory or concurrency limit as unlimited.
const Unbounded = -1

var (
	// ErrInvalidRatio is returned when a child allocation ratio is outside (0,1].
	ErrInvalidRatio = errors.New("resources: ratio must be in (0, 1]")
	// ErrBudgetExceeded is returned when usage exceeds its allocation.
	ErrBudgetExceeded = errors.New("resources: allocation exceeded")
)

// Strategy labels how an allocation was derived. The split arithmetic is the
// same for every strategy; the label travels into execution result metadata.
type Strategy string

const (
	StrategyProportional Strategy = "proportional"
	StrategyEqualSplit   Strategy = "equal_split"
	StrategyWeighted     Strategy = "weighted"
)

// Allocation is a resource budget handed from a parent to a child.
// Duration, memory and concurrency use Unbounded (-1) for "no limit".
type Allocation struct {
	MaxCredits         Credits  `json:"maxCredits" yaml:"max_credits"`
	MaxDurationMs      int64    `json:"maxDurationMs" yaml:"max_duration_ms"`
	MaxMemoryMB        int64    `json:"maxMemoryMB" yaml:"max_memory_mb"`
	MaxConcurrentSteps int      `json:"maxConcurrentSteps" yaml:"max_concurrent_steps"`
	Strategy           Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// UnboundedAllocation returns an allocation with no limits at all.
func UnboundedAllocation() Allocation {
	return Allocation{
		MaxCredits:         Unlimited(),
		MaxDurationMs:      Unbounded,
		MaxMemoryMB:        Unbounded,
		MaxConcurrentSteps: Unbounded,
	}
}

// Validate rejects negative limits other than Unbounded.
func (a Allocation) Validate() error {
	if a.MaxDurationMs < Unbounded {
		return fmt.Errorf("resources: invalid maxDurationMs %d", a.MaxDurationMs)
	}
	if a.MaxMemoryMB < Unbounded {
		return fmt.Errorf("resources: invalid maxMemoryMB %d", a.MaxMemoryMB)
	}
	if a.MaxConcurrentSteps < Unbounded {
		return fmt.Errorf("resources: invalid maxConcurrentSteps %d", a.MaxConcurrentSteps)
	}
	return nil
}

// Usage is a snapshot of consumed resources. It is present on every execution
// result, successful or not.
type Usage struct {
	CreditsUsed   int64 `json:"creditsUsed"`
	DurationMs    int64 `json:"durationMs"`
	MemoryUsedMB  int64 `json:"memoryUsedMB"`
	StepsExecuted int   `json:"stepsExecuted"`
}

// Add combines two usage snapshots. Credits, duration and steps are summed;
// memory keeps the peak.
func (u Usage) Add(o Usage) Usage {
	out := Usage{
		CreditsUsed:   u.CreditsUsed + o.CreditsUsed,
		DurationMs:    u.DurationMs + o.DurationMs,
		MemoryUsedMB:  u.MemoryUsedMB,
		StepsExecuted: u.StepsExecuted + o.StepsExecuted,
	}
	if o.MemoryUsedMB > out.MemoryUsedMB {
		out.MemoryUsedMB = o.MemoryUsedMB
	}
	return out
}

// CreateChildAllocation derives a child budget holding ratio of the parent.
// Credits are scaled by floor(ratio*100)/100 in integer arithmetic; the other
// limits are floor(parent*ratio). Unbounded limits stay unbounded.
func CreateChildAllocation(parent Allocation, ratio float64, strategy Strategy) (Allocation, error) {
	if math.IsNaN(ratio) || ratio <= 0 || ratio > 1 {
		return Allocation{}, fmt.Errorf("%w: got %v", ErrInvalidRatio, ratio)
	}
	if strategy == "" {
		strategy = parent.Strategy
	}

	pct := int64(math.Floor(ratio * 100))
	child := Allocation{
		MaxCredits:         parent.MaxCredits.MulDiv(pct, 100),
		MaxDurationMs:      scaleLimit(parent.MaxDurationMs, ratio),
		MaxMemoryMB:        scaleLimit(parent.MaxMemoryMB, ratio),
		MaxConcurrentSteps: int(scaleLimit(int64(parent.MaxConcurrentSteps), ratio)),
		Strategy:           strategy,
	}
	// A child of a parent that may run steps can always run one.
	if child.MaxConcurrentSteps == 0 && parent.MaxConcurrentSteps > 0 {
		child.MaxConcurrentSteps = 1
	}
	return child, nil
}

func scaleLimit(v int64, ratio float64) int64 {
	if v < 0 {
		return v
	}
	if ratio >= 1 {
		return v
	}
	scaled := int64(math.Floor(float64(v) * ratio))
	if scaled > v {
		scaled = v
	}
	if scaled < 0 {
		scaled = 0
	}
	return scaled
}

// HierarchyReport is the result of ValidateAllocationHierarchy.
type HierarchyReport struct {
	IsValid    bool     `json:"isValid"`
	Violations []string `json:"violations"`
}

// ValidateAllocationHierarchy checks that no child limit exceeds its parent.
func ValidateAllocationHierarchy(child, parent Allocation) HierarchyReport {
	var violations []string

	if child.MaxCredits.Cmp(parent.MaxCredits) > 0 {
		violations = append(violations, fmt.Sprintf("maxCredits %s exceeds parent %s", child.MaxCredits, parent.MaxCredits))
	}
	if exceedsLimit(child.MaxDurationMs, parent.MaxDurationMs) {
		violations = append(violations, fmt.Sprintf("maxDurationMs %s exceeds parent %s", limitString(child.MaxDurationMs), limitString(parent.MaxDurationMs)))
	}
	if exceedsLimit(child.MaxMemoryMB, parent.MaxMemoryMB) {
		violations = append(violations, fmt.Sprintf("maxMemoryMB %s exceeds parent %s", limitString(child.MaxMemoryMB), limitString(parent.MaxMemoryMB)))
	}
	if exceedsLimit(int64(child.MaxConcurrentSteps), int64(parent.MaxConcurrentSteps)) {
		violations = append(violations, fmt.Sprintf("maxConcurrentSteps %s exceeds parent %s",
			limitString(int64(child.MaxConcurrentSteps)), limitString(int64(parent.MaxConcurrentSteps))))
	}

	return HierarchyReport{IsValid: len(violations) == 0, Violations: violations}
}

func exceedsLimit(child, parent int64) bool {
	if parent < 0 {
		return false
	}
	if child < 0 {
		return true
	}
	return child > parent
}

func limitString(v int64) string {
	if v < 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d", v)
}

// Remaining returns what is left of alloc after usage. Concurrency and memory
// are capacities, not consumables, and are carried over unchanged.
func Remaining(alloc Allocation, usage Usage) Allocation {
	out := alloc
	out.MaxCredits = alloc.MaxCredits.Sub(usage.CreditsUsed)
	if alloc.MaxDurationMs >= 0 {
		out.MaxDurationMs = alloc.MaxDurationMs - usage.DurationMs
		if out.MaxDurationMs < 0 {
			out.MaxDurationMs = 0
		}
	}
	return out
}

// CheckUsage returns ErrBudgetExceeded when usage is over any bounded limit.
func CheckUsage(alloc Allocation, usage Usage) error {
	if !alloc.MaxCredits.Covers(usage.CreditsUsed) {
		return fmt.Errorf("%w: credits used %d, allocated %s", ErrBudgetExceeded, usage.CreditsUsed, alloc.MaxCredits)
	}
	if alloc.MaxDurationMs >= 0 && usage.DurationMs > alloc.MaxDurationMs {
		return fmt.Errorf("%w: duration %dms, allocated %dms", ErrBudgetExceeded, usage.DurationMs, alloc.MaxDurationMs)
	}
	if alloc.MaxMemoryMB >= 0 && usage.MemoryUsedMB > alloc.MaxMemoryMB {
		return fmt.Errorf("%w: memory %dMB, allocated %dMB", ErrBudgetExceeded, usage.MemoryUsedMB, alloc.MaxMemoryMB)
	}
	return nil
}
