package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"portrait/internal/domain"
	"portrait/internal/sqlinline"
)

type execCall struct {
	query string
	args  []any
}

type stubExecutor struct {
	execs    []execCall
	affected int64
	row      func(dest ...any) error
	rows     [][]any
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.execs = append(s.execs, execCall{query: query, args: args})
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", s.affected)), nil
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return stubRow{scan: s.row}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return &stubRows{data: s.rows, idx: -1}, nil
}

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type stubRows struct {
	data [][]any
	idx  int
}

func (r *stubRows) Close()                                       {}
func (r *stubRows) Err() error                                   { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) Values() ([]any, error)                       { return r.data[r.idx], nil }
func (r *stubRows) RawValues() [][]byte                          { return nil }
func (r *stubRows) Conn() *pgx.Conn                              { return nil }

func (r *stubRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *stubRows) Scan(dest ...any) error {
	return assign(dest, r.data[r.idx])
}

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func runValues(id, state string, created time.Time) []any {
	return []any{id, "tenant", "queued", "job-" + id, state, "", created, created}
}

func TestRunRepositoryCreate(t *testing.T) {
	db := &stubExecutor{}
	r := NewRunRepository(db)
	run := &domain.Run{ID: "run-1", TenantID: "tenant", Mode: domain.ModeQueued, Handle: "job-1", State: domain.JobStateSubmitted}

	if err := r.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0].query != sqlinline.QRunsInsert {
		t.Fatalf("expected insert query, got %+v", db.execs)
	}
	args := db.execs[0].args
	if args[0] != "run-1" || args[2] != "queued" || args[3] != "job-1" || args[4] != "SUBMITTED" {
		t.Fatalf("unexpected args: %v", args)
	}
	if run.CreatedAt.IsZero() || !run.UpdatedAt.Equal(run.CreatedAt) {
		t.Fatalf("timestamps not set: %+v", run)
	}
}

func TestRunRepositoryUpdateStateNotFound(t *testing.T) {
	db := &stubExecutor{affected: 0}
	err := NewRunRepository(db).UpdateState(context.Background(), "missing", domain.JobStateFailed, "boom")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	db.affected = 1
	if err := NewRunRepository(db).UpdateState(context.Background(), "run-1", domain.JobStateFailed, "boom"); err != nil {
		t.Fatalf("update: %v", err)
	}
	last := db.execs[len(db.execs)-1]
	if last.args[1] != "FAILED" || last.args[2] != "boom" {
		t.Fatalf("unexpected args: %v", last.args)
	}
}

func TestRunRepositoryGetByID(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	db := &stubExecutor{row: func(dest ...any) error {
		return assign(dest, runValues("run-1", "RUNNING", created))
	}}
	run, err := NewRunRepository(db).GetByID(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.State != domain.JobStateRunning || run.Handle != "job-run-1" || run.Mode != domain.ModeQueued {
		t.Fatalf("unexpected run: %+v", run)
	}

	_, err = NewRunRepository(&stubExecutor{}).GetByID(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunRepositoryListActive(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	db := &stubExecutor{rows: [][]any{
		runValues("a", "SUBMITTED", created),
		runValues("b", "RUNNING", created.Add(time.Minute)),
	}}
	runs, err := NewRunRepository(db).ListActive(context.Background(), domain.ModeQueued)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "a" || runs[1].State != domain.JobStateRunning {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestQueriesCarryMarkers(t *testing.T) {
	for _, q := range []string{
		sqlinline.QRunsEnsureSchema,
		sqlinline.QRunsInsert,
		sqlinline.QRunsUpdateState,
		sqlinline.QRunsGetByID,
		sqlinline.QRunsListActive,
	} {
		if !strings.HasPrefix(q, "--sql ") {
			t.Fatalf("query without marker: %q", q)
		}
	}
}

func TestMemoryRunRepository(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRunRepository()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	runs := []*domain.Run{
		{ID: "q2", Mode: domain.ModeQueued, State: domain.JobStateRunning, CreatedAt: base.Add(time.Minute)},
		{ID: "q1", Mode: domain.ModeQueued, State: domain.JobStateSubmitted, CreatedAt: base},
		{ID: "s1", Mode: domain.ModeStreamed, State: domain.JobStateRunning, CreatedAt: base},
		{ID: "done", Mode: domain.ModeQueued, State: domain.JobStateCompleted, CreatedAt: base},
	}
	for _, run := range runs {
		if err := r.Create(ctx, run); err != nil {
			t.Fatalf("create %s: %v", run.ID, err)
		}
	}
	if err := r.Create(ctx, runs[0]); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	active, err := r.ListActive(ctx, domain.ModeQueued)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 || active[0].ID != "q1" || active[1].ID != "q2" {
		t.Fatalf("unexpected active runs: %+v", active)
	}

	if err := r.UpdateState(ctx, "q1", domain.JobStateFailed, "lost"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetByID(ctx, "q1")
	if err != nil || got.State != domain.JobStateFailed || got.Detail != "lost" {
		t.Fatalf("unexpected run %+v (%v)", got, err)
	}
	if err := r.UpdateState(ctx, "nope", domain.JobStateFailed, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
