// Package policy answers the two authorization questions the tiers ask:
// whether a user may perform an action on a scope, and whether a step may
// run at all. Both are evaluated with CEL and fail closed.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Actions checked by the tiers.
const (
	ActionSwarmStart  = "swarm.start"
	ActionSwarmCancel = "swarm.cancel"
	ActionRunStart    = "run.start"
	ActionRunControl  = "run.control"
)

// ErrNoRule is returned when a PolicyChecker has no rule for an action.
var ErrNoRule = errors.New("policy: no rule for action")

// Checker decides whether userID may perform action on scopeID. A false
// result with a nil error is a denial, not a fault.
type Checker interface {
	CheckPermission(ctx context.Context, userID, action, scopeID string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, userID, action, scopeID string) (bool, error)

func (f CheckerFunc) CheckPermission(ctx context.Context, userID, action, scopeID string) (bool, error) {
	return f(ctx, userID, action, scopeID)
}

// AllowAll permits everything.
func AllowAll() Checker {
	return CheckerFunc(func(context.Context, string, string, string) (bool, error) { return true, nil })
}

// StaticChecker grants actions per user. The user "*" applies to everyone;
// an action "*" or "prefix.*" matches by prefix.
type StaticChecker struct {
	mu     sync.RWMutex
	grants map[string][]string
}

// NewStaticChecker creates a StaticChecker from user → actions.
func NewStaticChecker(grants map[string][]string) *StaticChecker {
	c := &StaticChecker{grants: make(map[string][]string, len(grants))}
	for user, actions := range grants {
		c.grants[user] = append([]string(nil), actions...)
	}
	return c
}

// Grant adds actions for user.
func (c *StaticChecker) Grant(user string, actions ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants[user] = append(c.grants[user], actions...)
}

func (c *StaticChecker) CheckPermission(_ context.Context, userID, action, _ string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, user := range []string{userID, "*"} {
		for _, granted := range c.grants[user] {
			if actionMatches(granted, action) {
				return true, nil
			}
		}
	}
	return false, nil
}

func actionMatches(granted, action string) bool {
	if granted == "*" || granted == action {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, "*"); ok {
		return strings.HasPrefix(action, prefix)
	}
	return false
}

// PolicyChecker evaluates one CEL rule per action over the variables user,
// action and scope. A rule registered for "*" applies to actions without
// their own rule. Actions with no rule are denied.
type PolicyChecker struct {
	eval  *evaluator
	mu    sync.RWMutex
	rules map[string]string
}

// NewPolicyChecker creates an empty PolicyChecker.
func NewPolicyChecker() (*PolicyChecker, error) {
	ev, err := newEvaluator(
		cel.Variable("user", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("scope", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	return &PolicyChecker{eval: ev, rules: make(map[string]string)}, nil
}

// LoadRule compiles expr and binds it to action.
func (p *PolicyChecker) LoadRule(action, expr string) error {
	if _, err := p.eval.program(expr); err != nil {
		return fmt.Errorf("policy rule %q: %w", action, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[action] = expr
	return nil
}

// LoadRules binds every action → expression pair.
func (p *PolicyChecker) LoadRules(rules map[string]string) error {
	for action, expr := range rules {
		if err := p.LoadRule(action, expr); err != nil {
			return err
		}
	}
	return nil
}

func (p *PolicyChecker) CheckPermission(ctx context.Context, userID, action, scopeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.RLock()
	expr, ok := p.rules[action]
	if !ok {
		expr, ok = p.rules["*"]
	}
	p.mu.RUnlock()
	if !ok {
		return false, nil
	}

	allowed, err := p.eval.eval(expr, map[string]any{
		"user":   userID,
		"action": action,
		"scope":  scopeID,
	})
	if err != nil {
		return false, fmt.Errorf("policy %q: %w", action, err)
	}
	return allowed, nil
}
