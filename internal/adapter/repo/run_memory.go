package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"portrait/internal/domain"
)

// MemoryRunRepository keeps the run ledger in process memory. It is used
// when no database is configured, so runs are not resumable across restarts.
type MemoryRunRepository struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

// NewMemoryRunRepository constructs an empty ledger.
func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{runs: make(map[string]domain.Run)}
}

func (r *MemoryRunRepository) Create(ctx context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("insert run %s: already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	r.runs[run.ID] = *run
	return nil
}

func (r *MemoryRunRepository) UpdateState(ctx context.Context, runID string, state domain.JobState, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("update run %s: %w", runID, domain.ErrNotFound)
	}
	run.State = state
	run.Detail = detail
	run.UpdatedAt = time.Now().UTC()
	r.runs[runID] = run
	return nil
}

func (r *MemoryRunRepository) GetByID(ctx context.Context, runID string) (*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &run, nil
}

func (r *MemoryRunRepository) ListActive(ctx context.Context, mode domain.Mode) ([]domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Run
	for _, run := range r.runs {
		if run.Mode == mode && !run.State.Terminal() {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ domain.RunRepository = (*MemoryRunRepository)(nil)
