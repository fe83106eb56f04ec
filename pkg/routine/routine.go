// Package routine defines routines (versioned step graphs), the stores that
// load them, and the navigator that walks a routine during a run.
package routine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalidRoutine wraps every routine validation failure.
var ErrInvalidRoutine = errors.New("routine: invalid")

// StepKind selects how tier3 executes a step.
type StepKind string

const (
	KindTool StepKind = "tool"
	KindWasm StepKind = "wasm"
	KindNoop StepKind = "noop"
)

// Step is one node of a routine graph.
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	Name      string         `yaml:"name,omitempty" json:"name,omitempty"`
	Kind      StepKind       `yaml:"kind" json:"kind"`
	Tool      string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Module    string         `yaml:"module,omitempty" json:"module,omitempty"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"dependsOn,omitempty"`
	Branch    string         `yaml:"branch,omitempty" json:"branch,omitempty"`
	// Credits is the estimated cost checked against the step allocation.
	Credits int64 `yaml:"credits,omitempty" json:"credits,omitempty"`
}

// Root identifies who owns a routine.
type Root struct {
	OwnerID string `yaml:"owner_id" json:"ownerId"`
}

// Routine is a versioned graph of steps.
type Routine struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Root        Root   `yaml:"root" json:"root"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// VersionID is the id@version reference of this routine.
func (r *Routine) VersionID() string {
	return r.ID + "@" + r.Version
}

// Step returns the step with id.
func (r *Routine) Step(id string) (Step, bool) {
	for _, s := range r.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks identity, version, step uniqueness, dependency targets and
// that the graph has no cycles.
func (r *Routine) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRoutine)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: %s: name is required", ErrInvalidRoutine, r.ID)
	}
	if _, err := semver.NewVersion(r.Version); err != nil {
		return fmt.Errorf("%w: %s: version %q: %v", ErrInvalidRoutine, r.ID, r.Version, err)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("%w: %s: no steps", ErrInvalidRoutine, r.ID)
	}

	seen := make(map[string]bool, len(r.Steps))
	for _, s := range r.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: %s: step without id", ErrInvalidRoutine, r.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s: duplicate step %q", ErrInvalidRoutine, r.ID, s.ID)
		}
		seen[s.ID] = true

		switch s.Kind {
		case KindTool:
			if s.Tool == "" {
				return fmt.Errorf("%w: %s: step %q: tool is required", ErrInvalidRoutine, r.ID, s.ID)
			}
		case KindWasm:
			if s.Module == "" {
				return fmt.Errorf("%w: %s: step %q: module is required", ErrInvalidRoutine, r.ID, s.ID)
			}
		case KindNoop:
		default:
			return fmt.Errorf("%w: %s: step %q: unknown kind %q", ErrInvalidRoutine, r.ID, s.ID, s.Kind)
		}
		if s.Credits < 0 {
			return fmt.Errorf("%w: %s: step %q: negative credits", ErrInvalidRoutine, r.ID, s.ID)
		}
	}

	for _, s := range r.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: %s: step %q depends on unknown step %q", ErrInvalidRoutine, r.ID, s.ID, dep)
			}
		}
	}
	if cycle := r.findCycle(); cycle != "" {
		return fmt.Errorf("%w: %s: dependency cycle through %q", ErrInvalidRoutine, r.ID, cycle)
	}
	return nil
}

// findCycle returns a step on a dependency cycle, or "".
func (r *Routine) findCycle() string {
	indegree := make(map[string]int, len(r.Steps))
	dependents := make(map[string][]string)
	for _, s := range r.Steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for _, s := range r.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(r.Steps) {
		return ""
	}
	for _, s := range r.Steps {
		if indegree[s.ID] > 0 {
			return s.ID
		}
	}
	return ""
}

// Loader loads a routine by version reference. A nil routine with a nil
// error means not found.
type Loader interface {
	LoadRoutine(ctx context.Context, versionID string) (*Routine, error)
}
