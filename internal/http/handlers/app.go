package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"portrait/internal/domain"
	"portrait/internal/infra"
	"portrait/internal/middleware"
	"portrait/internal/storage"
	"portrait/internal/tracker"
)

// Submitter starts portrait runs. *pipeline.Pipeline satisfies it.
type Submitter interface {
	SubmitMode(ctx context.Context, req domain.GenerationRequest, mode domain.Mode, n tracker.Notifier) (*domain.Run, error)
	DefaultMode() domain.Mode
}

// Canceller stops tracking a job. *tracker.Tracker satisfies it.
type Canceller interface {
	Cancel(handle domain.JobHandle) bool
}

type App struct {
	Pipeline Submitter
	Tracker  Canceller
	Runs     domain.RunRepository
	Board    *Board
	Uploads  *storage.FileStore
	Outputs  *storage.FileStore
	Gallery  string
	Logger   *infra.Logger
}

func NewApp(pipeline Submitter, canceller Canceller, runs domain.RunRepository, board *Board, uploads, outputs *storage.FileStore, gallery string, logger *infra.Logger) *App {
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &App{
		Pipeline: pipeline,
		Tracker:  canceller,
		Runs:     runs,
		Board:    board,
		Uploads:  uploads,
		Outputs:  outputs,
		Gallery:  gallery,
		Logger:   logger,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

func (a *App) currentTenant(r *http.Request) string {
	return middleware.TenantFromContext(r.Context())
}

// statusForKind maps a pipeline error kind onto the HTTP status returned to
// the caller.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidRequest, domain.KindInvalidAsset:
		return http.StatusBadRequest
	case domain.KindDuplicateTracking:
		return http.StatusConflict
	case domain.KindStorage, domain.KindSubmission:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
