package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryRunStore keeps runs in process memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]Run
	now  func() time.Time
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]Run), now: time.Now}
}

func (s *MemoryRunStore) CreateRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, run.ID)
	}
	now := s.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	run.UpdatedAt = now
	run.Outputs = maps.Clone(run.Outputs)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	run.Outputs = maps.Clone(run.Outputs)
	return run, nil
}

func (s *MemoryRunStore) UpdateRunStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	run.Status = status
	run.UpdatedAt = s.now().UTC()
	s.runs[id] = run
	return nil
}

func (s *MemoryRunStore) CompleteRun(_ context.Context, id string, c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now().UTC()
	run.Status = c.Status
	run.Outputs = maps.Clone(c.Outputs)
	run.Usage = c.Usage
	run.Error = c.Error
	run.UpdatedAt = now
	run.CompletedAt = &now
	s.runs[id] = run
	return nil
}

// ListBySwarm returns the runs of one swarm, oldest first.
func (s *MemoryRunStore) ListBySwarm(_ context.Context, swarmID string) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if r.SwarmID == swarmID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
