package domain

import "context"

// RunRepository persists the minimum needed to resume tracking a run.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	UpdateState(ctx context.Context, runID string, state JobState, detail string) error
	GetByID(ctx context.Context, runID string) (*Run, error)
	ListActive(ctx context.Context, mode Mode) ([]Run, error)
}
