package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"portrait/internal/domain"
	"portrait/internal/infra"
	"portrait/internal/sqlinline"
)

// RunRepositoryPG implements domain.RunRepository on PostgreSQL.
type RunRepositoryPG struct {
	db infra.SQLExecutor
}

// NewRunRepository creates a run ledger backed by PostgreSQL.
func NewRunRepository(db infra.SQLExecutor) *RunRepositoryPG {
	return &RunRepositoryPG{db: db}
}

// EnsureSchema creates the ledger table when missing.
func (r *RunRepositoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, sqlinline.QRunsEnsureSchema); err != nil {
		return fmt.Errorf("ensure run schema: %w", err)
	}
	return nil
}

// Create inserts a new run.
func (r *RunRepositoryPG) Create(ctx context.Context, run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	_, err := r.db.Exec(ctx, sqlinline.QRunsInsert,
		run.ID,
		run.TenantID,
		string(run.Mode),
		string(run.Handle),
		string(run.State),
		run.Detail,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateState records a state transition.
func (r *RunRepositoryPG) UpdateState(ctx context.Context, runID string, state domain.JobState, detail string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QRunsUpdateState, runID, string(state), detail)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// GetByID fetches a run.
func (r *RunRepositoryPG) GetByID(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(r.db.QueryRow(ctx, sqlinline.QRunsGetByID, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListActive returns runs of mode still SUBMITTED or RUNNING, oldest first.
func (r *RunRepositoryPG) ListActive(ctx context.Context, mode domain.Mode) ([]domain.Run, error) {
	rows, err := r.db.Query(ctx, sqlinline.QRunsListActive, string(mode))
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		run                 domain.Run
		mode, handle, state string
	)
	if err := row.Scan(&run.ID, &run.TenantID, &mode, &handle, &state, &run.Detail, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Mode = domain.Mode(mode)
	run.Handle = domain.JobHandle(handle)
	run.State = domain.JobState(state)
	return &run, nil
}

var _ domain.RunRepository = (*RunRepositoryPG)(nil)
