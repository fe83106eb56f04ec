// Package store persists run records for the orchestrator. The engine calls
// it on run lifecycle transitions; it owns no orchestration state itself.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

var (
	// ErrNotFound is returned when a run id is unknown.
	ErrNotFound = errors.New("store: run not found")
	// ErrDuplicate is returned when a run id already exists.
	ErrDuplicate = errors.New("store: run already exists")
)

// Status values written by the orchestrator.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusPaused    = "PAUSED"
	StatusStopped   = "STOPPED"
	StatusFailed    = "FAILED"
	StatusCompleted = "COMPLETED"
)

// Run is the persisted view of one run.
type Run struct {
	ID          string               `json:"id"`
	SwarmID     string               `json:"swarmId"`
	RoutineID   string               `json:"routineId"`
	UserID      string               `json:"userId"`
	Status      string               `json:"status"`
	Allocation  resources.Allocation `json:"allocation"`
	Usage       resources.Usage      `json:"usage"`
	Outputs     map[string]any       `json:"outputs,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

// Completion is the terminal record written by CompleteRun.
type Completion struct {
	Status  string
	Outputs map[string]any
	Usage   resources.Usage
	Error   string
}

// RunStore is the persistence collaborator for runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	CompleteRun(ctx context.Context, id string, c Completion) error
}

// Terminal reports whether status ends a run.
func Terminal(status string) bool {
	switch status {
	case StatusStopped, StatusFailed, StatusCompleted:
		return true
	}
	return false
}
