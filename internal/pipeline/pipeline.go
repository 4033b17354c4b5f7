// Package pipeline is the entry point of a portrait run: it stages inputs,
// builds and submits the job, and hands it to the tracker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"portrait/internal/backend"
	"portrait/internal/domain"
	"portrait/internal/infra"
	"portrait/internal/payload"
	"portrait/internal/tracker"
)

// DefaultNamespace prefixes staged input keys.
const DefaultNamespace = "user_uploads"

// Stager uploads local inputs.
type Stager interface {
	Stage(ctx context.Context, files []string, tenant, namespace string) ([]domain.StagedAsset, error)
}

// Route is the stager and backend pair serving one mode.
type Route struct {
	Stager  Stager
	Backend backend.Backend
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Routes      map[domain.Mode]Route
	DefaultMode domain.Mode
	Builder     *payload.Builder
	Tracker     *tracker.Tracker
	Runs        domain.RunRepository
	MaxSelfies  int
	Namespace   string
	Logger      *infra.Logger
}

// Pipeline runs generation requests.
type Pipeline struct {
	routes      map[domain.Mode]Route
	defaultMode domain.Mode
	builder     *payload.Builder
	tracker     *tracker.Tracker
	runs        domain.RunRepository
	maxSelfies  int
	namespace   string
	logger      *infra.Logger
}

// New validates deps and constructs a Pipeline.
func New(deps Deps) (*Pipeline, error) {
	if len(deps.Routes) == 0 {
		return nil, errors.New("pipeline: at least one route is required")
	}
	for mode, r := range deps.Routes {
		if r.Stager == nil || r.Backend == nil {
			return nil, fmt.Errorf("pipeline: route %s is incomplete", mode)
		}
	}
	if deps.Tracker == nil || deps.Runs == nil {
		return nil, errors.New("pipeline: tracker and run repository are required")
	}
	defaultMode := deps.DefaultMode
	if defaultMode == "" {
		defaultMode = domain.ModeQueued
	}
	if _, ok := deps.Routes[defaultMode]; !ok {
		return nil, fmt.Errorf("pipeline: no route for default mode %s", defaultMode)
	}
	builder := deps.Builder
	if builder == nil {
		builder = payload.NewBuilder(payload.Options{})
	}
	namespace := deps.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	logger := deps.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Pipeline{
		routes:      deps.Routes,
		defaultMode: defaultMode,
		builder:     builder,
		tracker:     deps.Tracker,
		runs:        deps.Runs,
		maxSelfies:  deps.MaxSelfies,
		namespace:   namespace,
		logger:      logger,
	}, nil
}

// DefaultMode returns the mode Submit uses.
func (p *Pipeline) DefaultMode() domain.Mode { return p.defaultMode }

// Submit runs req on the default mode. See SubmitMode.
func (p *Pipeline) Submit(ctx context.Context, req domain.GenerationRequest, n tracker.Notifier) (*domain.Run, error) {
	return p.SubmitMode(ctx, req, p.defaultMode, n)
}

// SubmitMode stages, builds and submits req, then starts tracking and
// returns without waiting for the job. Failures up to submission are
// returned; later outcomes reach n exactly once.
func (p *Pipeline) SubmitMode(ctx context.Context, req domain.GenerationRequest, mode domain.Mode, n tracker.Notifier) (*domain.Run, error) {
	route, ok := p.routes[mode]
	if !ok {
		return nil, domain.NewError(domain.KindInvalidRequest, "submit", string(mode), errors.New("backend mode is not configured"))
	}
	req = req.Normalize(p.maxSelfies)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	log := p.logger.With().Str("tenant", req.TenantID).Str("mode", string(mode)).Logger()

	files := req.SelfiePaths
	if req.HasTemplate() {
		files = append([]string{req.TemplatePath}, req.SelfiePaths...)
	}
	staged, err := route.Stager.Stage(ctx, files, req.TenantID, p.namespace)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: staging failed")
		return nil, err
	}
	var template *domain.StagedAsset
	selfies := staged
	if req.HasTemplate() {
		template, selfies = &staged[0], staged[1:]
	}

	job, err := p.builder.Build(req, template, selfies, mode)
	if err != nil {
		return nil, err
	}

	sub, err := route.Backend.Submit(ctx, job)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: submission failed")
		return nil, err
	}

	now := time.Now().UTC()
	run := &domain.Run{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Mode:      mode,
		Handle:    sub.Handle,
		State:     domain.JobStateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.runs.Create(ctx, run); err != nil {
		// The job is already running remotely; only resumability is lost.
		log.Error().Err(err).Str("run_id", run.ID).Msg("pipeline: record run failed")
	}
	if err := p.tracker.Start(ctx, run, route.Backend, sub, n); err != nil {
		if sub.Events != nil {
			_ = sub.Events.Close()
		}
		return nil, err
	}
	log.Info().Str("run_id", run.ID).Str("job_id", string(run.Handle)).Str("variant", job.Variant).Msg("pipeline: job submitted")
	out := *run
	return &out, nil
}

// Resume re-attaches trackers to queued runs left SUBMITTED or RUNNING by a
// previous process and returns how many were resumed. The maximum wait still
// counts from the run's creation. Streamed runs cannot
// be resumed because their event session is gone; they are marked FAILED.
func (p *Pipeline) Resume(ctx context.Context, n tracker.Notifier) (int, error) {
	resumed := 0
	if route, ok := p.routes[domain.ModeQueued]; ok {
		runs, err := p.runs.ListActive(ctx, domain.ModeQueued)
		if err != nil {
			return 0, fmt.Errorf("pipeline: list queued runs: %w", err)
		}
		for i := range runs {
			run := &runs[i]
			if run.Handle == "" {
				continue
			}
			sub := &backend.Submission{Handle: run.Handle, Deadline: run.CreatedAt.Add(p.tracker.MaxWait())}
			err := p.tracker.Start(ctx, run, route.Backend, sub, n)
			if err != nil {
				p.logger.Warn().Err(err).Str("run_id", run.ID).Msg("pipeline: resume failed")
				continue
			}
			resumed++
		}
	}

	lost, err := p.runs.ListActive(ctx, domain.ModeStreamed)
	if err != nil {
		return resumed, fmt.Errorf("pipeline: list streamed runs: %w", err)
	}
	const detail = "event session lost on restart"
	for _, run := range lost {
		if err := p.runs.UpdateState(ctx, run.ID, domain.JobStateFailed, detail); err != nil {
			p.logger.Error().Err(err).Str("run_id", run.ID).Msg("pipeline: mark streamed run failed")
			continue
		}
		run.State = domain.JobStateFailed
		run.Detail = detail
		n.OnFailed(run, domain.KindPoll, detail)
	}
	p.logger.Info().Int("resumed", resumed).Int("abandoned", len(lost)).Msg("pipeline: resume finished")
	return resumed, nil
}
