package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Per-evaluation CEL budget. Rules are short predicates; anything costlier is
// treated as an evaluation error, which denies.
const (
	celCostLimit      = 10_000
	celInterruptEvery = 100
)

// evaluator holds one CEL environment and the programs compiled in it, keyed
// by expression text.
type evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newEvaluator(opts ...cel.EnvOption) (*evaluator, error) {
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &evaluator{env: env, programs: map[string]cel.Program{}}, nil
}

func (e *evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok = e.programs[expr]; ok {
		return p, nil
	}
	checked, iss := e.env.Compile(expr)
	if err := iss.Err(); err != nil {
		return nil, fmt.Errorf("policy: rule %q: %w", expr, err)
	}
	p, err := e.env.Program(checked, cel.CostLimit(celCostLimit), cel.InterruptCheckFrequency(celInterruptEvery))
	if err != nil {
		return nil, fmt.Errorf("policy: rule %q: %w", expr, err)
	}
	e.programs[expr] = p
	return p, nil
}

// eval runs expr against vars. Any non-bool result is an error.
func (e *evaluator) eval(expr string, vars map[string]any) (bool, error) {
	p, err := e.program(expr)
	if err != nil {
		return false, err
	}
	val, _, err := p.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("policy: evaluate %q: %w", expr, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: rule %q returned %T, want bool", expr, val.Value())
	}
	return b, nil
}
