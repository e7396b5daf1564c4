package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteground/internal/store"
)

const defaultRunTable = "runs"

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool  Pool
	table string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore creates a RunStore over an existing pool.
func NewRunStore(pool Pool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultRunTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the runs table when it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target TEXT NOT NULL,
	max_depth INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	pages INTEGER NOT NULL DEFAULT 0,
	units INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create run table: %w", err)
	}
	return nil
}

// StartRun inserts a run in running state.
func (s *RunStore) StartRun(ctx context.Context, run store.Run) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, target, max_depth, started_at, status)
VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	_, err := s.pool.Exec(ctx, query,
		run.ID, string(run.Kind), run.Target, run.MaxDepth, run.StartedAt, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// CompleteRun marks a run as finished with a status, counters and optional error message.
func (s *RunStore) CompleteRun(ctx context.Context, id string, finishedAt time.Time, result store.RunResult) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, pages = $3, units = $4, error_message = $5
WHERE id = $6`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		finishedAt, string(result.Status), result.Pages, result.Units, store.ErrorText(result.Err), id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, id string) (store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, kind, target, max_depth, started_at, finished_at, status, pages, units, error_message
FROM %s
WHERE id = $1`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, kind, target, max_depth, started_at, finished_at, status, pages, units, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)

	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		kind   string
		status string
	)
	err := row.Scan(
		&run.ID,
		&kind,
		&run.Target,
		&run.MaxDepth,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Pages,
		&run.Units,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.Run{}, err //nolint:wrapcheck
	}
	run.Kind = store.RunKind(kind)
	run.Status = store.RunStatus(status)
	return run, nil
}
