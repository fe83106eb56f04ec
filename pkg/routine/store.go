package routine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// MemoryStore keeps routines in memory, all versions side by side.
//
// Version references are "<id>" (highest version), "<id>@<version>" or
// "<id>@<constraint>", e.g. "triage@^1.2".
type MemoryStore struct {
	mu       sync.RWMutex
	routines map[string][]*Routine
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{routines: make(map[string][]*Routine)}
}

// Put validates and stores r, replacing the same id and version.
func (s *MemoryStore) Put(r *Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.routines[r.ID]
	for i, existing := range versions {
		if existing.Version == r.Version {
			versions[i] = r
			return nil
		}
	}
	versions = append(versions, r)
	sort.Slice(versions, func(i, j int) bool {
		return semver.MustParse(versions[i].Version).LessThan(semver.MustParse(versions[j].Version))
	})
	s.routines[r.ID] = versions
	return nil
}

// IDs lists stored routine ids.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.routines))
	for id := range s.routines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) LoadRoutine(ctx context.Context, versionID string) (*Routine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ref, hasRef := strings.Cut(versionID, "@")

	s.mu.RLock()
	versions := s.routines[id]
	s.mu.RUnlock()
	if len(versions) == 0 {
		return nil, nil
	}
	if !hasRef || ref == "" || ref == "latest" {
		return versions[len(versions)-1], nil
	}

	constraint, err := semver.NewConstraint(ref)
	if err != nil {
		return nil, fmt.Errorf("routine %s: invalid version reference %q: %w", id, ref, err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if constraint.Check(semver.MustParse(versions[i].Version)) {
			return versions[i], nil
		}
	}
	return nil, nil
}

// YAMLStore loads routines from a directory of YAML files, one routine per
// file. The directory is read on first use and again on Reload.
type YAMLStore struct {
	dir string

	mu      sync.Mutex
	loaded  bool
	mem     *MemoryStore
	loadErr error
}

// NewYAMLStore creates a store over dir.
func NewYAMLStore(dir string) *YAMLStore {
	return &YAMLStore{dir: dir, mem: NewMemoryStore()}
}

// Reload re-reads the directory. Files that fail to parse or validate are
// reported in the joined error; valid files are still loaded.
func (s *YAMLStore) Reload() error {
	mem := NewMemoryStore()
	var errs []error
	for _, res := range ValidateDir(s.dir) {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		if err := mem.Put(res.Routine); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	s.mu.Lock()
	s.mem = mem
	s.loaded = true
	s.loadErr = err
	s.mu.Unlock()
	return err
}

// LoadErr returns the file errors of the last load, if any.
func (s *YAMLStore) LoadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// store loads the directory once. Invalid files are skipped and kept in
// LoadErr.
func (s *YAMLStore) store() *MemoryStore {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		_ = s.Reload()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

func (s *YAMLStore) LoadRoutine(ctx context.Context, versionID string) (*Routine, error) {
	return s.store().LoadRoutine(ctx, versionID)
}

// IDs lists loaded routine ids.
func (s *YAMLStore) IDs() []string {
	return s.store().IDs()
}

// FileResult is the outcome of parsing one routine file.
type FileResult struct {
	Path    string
	Routine *Routine
	Err     error
}

// ParseFile reads and validates one routine file.
func ParseFile(path string) (*Routine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var r Routine
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &r, nil
}

// ValidateDir parses every *.yaml and *.yml file in dir, in name order.
func ValidateDir(dir string) []FileResult {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return []FileResult{{Path: dir, Err: err}}
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	results := make([]FileResult, 0, len(paths))
	for _, p := range paths {
		r, err := ParseFile(p)
		results = append(results, FileResult{Path: p, Routine: r, Err: err})
	}
	return results
}
