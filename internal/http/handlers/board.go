package handlers

import (
	"io"
	"sync"

	"github.com/rs/zerolog"

	"portrait/internal/domain"
	"portrait/internal/infra"
	"portrait/internal/storage"
)

// Outcome is the final result of a run as reported by its tracker.
type Outcome struct {
	State     domain.JobState         `json:"state"`
	Kind      domain.ErrorKind        `json:"error_kind,omitempty"`
	Detail    string                  `json:"detail,omitempty"`
	Artifacts []domain.OutputArtifact `json:"artifacts,omitempty"`
}

// DefaultBoardCapacity bounds how many run outcomes a Board remembers.
const DefaultBoardCapacity = 1024

// Board keeps run outcomes in memory for status queries and trims each
// tenant's output gallery after a completed run. Only the most recent
// capacity outcomes are kept; older runs report their ledger state alone.
type Board struct {
	mu         sync.RWMutex
	outcomes   map[string]Outcome
	order      []string
	capacity   int
	outputs    *storage.FileStore
	maxDisplay int
	logger     *infra.Logger
}

func NewBoard(outputs *storage.FileStore, maxDisplay int, logger *infra.Logger) *Board {
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Board{
		outcomes:   make(map[string]Outcome),
		capacity:   DefaultBoardCapacity,
		outputs:    outputs,
		maxDisplay: maxDisplay,
		logger:     logger,
	}
}

func (b *Board) OnCompleted(run domain.Run, artifacts []domain.OutputArtifact) {
	b.mu.Lock()
	b.put(run.ID, Outcome{State: domain.JobStateCompleted, Artifacts: artifacts})
	b.mu.Unlock()

	if b.outputs == nil || b.maxDisplay <= 0 || !domain.ValidTenantID(run.TenantID) {
		return
	}
	removed, err := b.outputs.Prune(run.TenantID+"-", b.maxDisplay)
	if err != nil {
		b.logger.Warn().Err(err).Str("tenant", run.TenantID).Msg("board: prune outputs failed")
		return
	}
	if len(removed) > 0 {
		b.logger.Debug().Str("tenant", run.TenantID).Int("removed", len(removed)).Msg("board: pruned outputs")
	}
}

func (b *Board) OnFailed(run domain.Run, kind domain.ErrorKind, detail string) {
	state := domain.TerminalStateFor(kind)
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.outcomes[run.ID]
	b.put(run.ID, Outcome{State: state, Kind: kind, Detail: detail, Artifacts: prev.Artifacts})
}

// put records o and evicts the oldest outcomes beyond capacity. Callers hold mu.
func (b *Board) put(runID string, o Outcome) {
	if _, seen := b.outcomes[runID]; !seen {
		b.order = append(b.order, runID)
	}
	b.outcomes[runID] = o
	for len(b.order) > b.capacity {
		delete(b.outcomes, b.order[0])
		b.order = b.order[1:]
	}
}

// Outcome returns the recorded result of runID, if the run has finished.
func (b *Board) Outcome(runID string) (Outcome, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.outcomes[runID]
	return o, ok
}
