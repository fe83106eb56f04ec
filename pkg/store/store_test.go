package store

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tierflow/pkg/resources"
)

func sampleRun(id string) Run {
	return Run{
		ID:        id,
		SwarmID:   "swarm-1",
		RoutineID: "triage@1.0.0",
		UserID:    "u1",
		Allocation: resources.Allocation{
			MaxCredits:         resources.NewCredits(500),
			MaxDurationMs:      60000,
			MaxMemoryMB:        128,
			MaxConcurrentSteps: 2,
		},
	}
}

// exerciseStore runs the shared lifecycle contract against any RunStore.
func exerciseStore(t *testing.T, s RunStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, sampleRun("run-1")))
	require.ErrorIs(t, s.CreateRun(ctx, sampleRun("run-1")), ErrDuplicate)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, int64(500), got.Allocation.MaxCredits.Int64())
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", StatusRunning))
	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	require.NoError(t, s.CompleteRun(ctx, "run-1", Completion{
		Status:  StatusCompleted,
		Outputs: map[string]any{"summary": "ok"},
		Usage:   resources.Usage{CreditsUsed: 42, StepsExecuted: 3},
	}))
	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "ok", got.Outputs["summary"])
	assert.Equal(t, int64(42), got.Usage.CreditsUsed)
	require.NotNil(t, got.CompletedAt)

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.UpdateRunStatus(ctx, "missing", StatusFailed), ErrNotFound)
	require.ErrorIs(t, s.CompleteRun(ctx, "missing", Completion{Status: StatusFailed}), ErrNotFound)
}

func TestMemoryRunStore(t *testing.T) {
	s := NewMemoryRunStore()
	exerciseStore(t, s)

	require.NoError(t, s.CreateRun(context.Background(), sampleRun("run-2")))
	runs, err := s.ListBySwarm(context.Background(), "swarm-1")
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSQLiteRunStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// Duplicate ids surface as driver errors in SQL stores; check only the
	// shared part of the contract here.
	require.NoError(t, s.CreateRun(ctx, sampleRun("run-1")))
	require.Error(t, s.CreateRun(ctx, sampleRun("run-1")))

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", StatusRunning))
	require.NoError(t, s.CompleteRun(ctx, "run-1", Completion{Status: StatusFailed, Error: "step a failed"}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "step a failed", got.Error)
	assert.Nil(t, got.Outputs)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, s.CreateRun(ctx, sampleRun("run-2")))
	runs, err := s.ListBySwarm(ctx, "swarm-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	require.Error(t, err)
}

func TestSQLRunStore_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSQLRunStore(db, DialectPostgres)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs (id, swarm_id, routine_id, user_id, status, allocation, usage, error, created_at, updated_at)")).
		WithArgs("run-1", "swarm-1", "triage@1.0.0", "u1", StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg(), "",
			"2026-03-01T12:00:00Z", "2026-03-01T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.CreateRun(ctx, sampleRun("run-1")))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3")).
		WithArgs(StatusRunning, "2026-03-01T12:00:00Z", "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", StatusRunning))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET status = $1")).
		WithArgs(StatusStopped, "2026-03-01T12:00:00Z", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.UpdateRunStatus(ctx, "ghost", StatusStopped), ErrNotFound)

	rows := sqlmock.NewRows([]string{"id", "swarm_id", "routine_id", "user_id", "status", "allocation", "usage", "outputs", "error", "created_at", "updated_at", "completed_at"}).
		AddRow("run-1", "swarm-1", "triage@1.0.0", "u1", StatusCompleted,
			`{"maxCredits":"unlimited","maxDurationMs":-1,"maxMemoryMB":-1,"maxConcurrentSteps":-1}`,
			`{"creditsUsed":7,"durationMs":10,"memoryUsedMB":0,"stepsExecuted":1}`,
			`{"a":1}`, "", "2026-03-01T12:00:00Z", "2026-03-01T12:00:01Z", "2026-03-01T12:00:01Z")
	mock.ExpectQuery(regexp.QuoteMeta("FROM runs WHERE id = $1")).WithArgs("run-1").WillReturnRows(rows)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.Allocation.MaxCredits.IsUnlimited())
	assert.Equal(t, int64(7), got.Usage.CreditsUsed)
	assert.EqualValues(t, 1, got.Outputs["a"])
	require.NotNil(t, got.CompletedAt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM runs WHERE id = $1")).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = s.GetRun(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StatusCompleted))
	assert.True(t, Terminal(StatusStopped))
	assert.False(t, Terminal(StatusPaused))
	assert.False(t, Terminal(StatusRunning))
}
