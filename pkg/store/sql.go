package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and DDL.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	swarm_id TEXT NOT NULL,
	routine_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	allocation TEXT NOT NULL,
	usage TEXT NOT NULL,
	outputs TEXT,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_swarm ON runs (swarm_id);
`

const selectRun = `SELECT id, swarm_id, routine_id, user_id, status, allocation, usage, outputs, error, created_at, updated_at, completed_at FROM runs`

// SQLRunStore implements RunStore over database/sql for Postgres and SQLite.
// Timestamps are stored as RFC 3339 text so both dialects share one schema.
type SQLRunStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLRunStore(db *sql.DB, dialect Dialect) *SQLRunStore {
	return &SQLRunStore{db: db, dialect: dialect, now: time.Now}
}

// Open connects with driver ("postgres" or "sqlite") and runs Init.
func Open(ctx context.Context, driver, dsn string) (*SQLRunStore, error) {
	var dialect Dialect
	switch driver {
	case "postgres":
		dialect = DialectPostgres
	case "sqlite":
		dialect = DialectSQLite
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s := NewSQLRunStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the runs table.
func (s *SQLRunStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLRunStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLRunStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (s *SQLRunStore) CreateRun(ctx context.Context, run Run) error {
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	alloc, err := json.Marshal(run.Allocation)
	if err != nil {
		return fmt.Errorf("store: encode allocation: %w", err)
	}
	usage, err := json.Marshal(run.Usage)
	if err != nil {
		return fmt.Errorf("store: encode usage: %w", err)
	}

	query := s.rebind(`INSERT INTO runs (id, swarm_id, routine_id, user_id, status, allocation, usage, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.SwarmID, run.RoutineID, run.UserID, run.Status,
		string(alloc), string(usage), run.Error, formatTime(run.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("store: create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLRunStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectRun+` WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: get run %s: %w", id, err)
	}
	return run, nil
}

// ListBySwarm returns the runs of one swarm, oldest first.
func (s *SQLRunStore) ListBySwarm(ctx context.Context, swarmID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectRun+` WHERE swarm_id = ? ORDER BY created_at, id`), swarmID)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLRunStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`),
		status, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("store: update run %s: %w", id, err)
	}
	return expectOne(res, id)
}

func (s *SQLRunStore) CompleteRun(ctx context.Context, id string, c Completion) error {
	usage, err := json.Marshal(c.Usage)
	if err != nil {
		return fmt.Errorf("store: encode usage: %w", err)
	}
	var outputs sql.NullString
	if c.Outputs != nil {
		raw, err := json.Marshal(c.Outputs)
		if err != nil {
			return fmt.Errorf("store: encode outputs: %w", err)
		}
		outputs = sql.NullString{String: string(raw), Valid: true}
	}
	now := formatTime(s.now())

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE runs SET status = ?, usage = ?, outputs = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?`),
		c.Status, string(usage), outputs, c.Error, now, now, id)
	if err != nil {
		return fmt.Errorf("store: complete run %s: %w", id, err)
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run                  Run
		alloc, usage         string
		outputs, completedAt sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&run.ID, &run.SwarmID, &run.RoutineID, &run.UserID, &run.Status,
		&alloc, &usage, &outputs, &run.Error, &createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(alloc), &run.Allocation); err != nil {
		return Run{}, fmt.Errorf("store: decode allocation: %w", err)
	}
	if err := json.Unmarshal([]byte(usage), &run.Usage); err != nil {
		return Run{}, fmt.Errorf("store: decode usage: %w", err)
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &run.Outputs); err != nil {
			return Run{}, fmt.Errorf("store: decode outputs: %w", err)
		}
	}

	var err error
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Run{}, fmt.Errorf("store: created_at: %w", err)
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Run{}, fmt.Errorf("store: updated_at: %w", err)
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("store: completed_at: %w", err)
		}
		run.CompletedAt = &t
	}
	return run, nil
}
