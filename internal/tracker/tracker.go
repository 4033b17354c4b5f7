// Package tracker owns the lifecycle of submitted jobs: it follows each job
// to a terminal state in the background, retrieves outputs on success and
// reports the outcome through a Notifier.
package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portrait/internal/backend"
	"portrait/internal/domain"
	"portrait/internal/infra"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultMaxWait         = 15 * time.Minute
	DefaultMaxPollFailures = 5
)

// ErrShutdown is returned by Start once Shutdown has been called.
var ErrShutdown = errors.New("tracker: shut down")

// Retriever saves the outputs of a completed job.
type Retriever interface {
	Retrieve(ctx context.Context, refs []domain.OutputRef, tenant, runID string) ([]domain.OutputArtifact, error)
}

// Options configures tracking policy.
type Options struct {
	PollInterval    time.Duration
	MaxWait         time.Duration
	MaxPollFailures int
	Logger          *infra.Logger
}

// Tracker runs one background tracking loop per job handle.
type Tracker struct {
	retriever Retriever
	repo      domain.RunRepository
	interval  time.Duration
	maxWait   time.Duration
	maxFails  int
	logger    *infra.Logger

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	active map[domain.JobHandle]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Tracker. repo may be nil when runs are not persisted.
func New(retriever Retriever, repo domain.RunRepository, opts Options) *Tracker {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	maxFails := opts.MaxPollFailures
	if maxFails <= 0 {
		maxFails = DefaultMaxPollFailures
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	base, stop := context.WithCancel(context.Background())
	return &Tracker{
		retriever: retriever,
		repo:      repo,
		interval:  interval,
		maxWait:   maxWait,
		maxFails:  maxFails,
		logger:    logger,
		base:      base,
		stop:      stop,
		active:    make(map[domain.JobHandle]context.CancelFunc),
	}
}

// Start begins tracking sub in the background and returns immediately. The
// loop outlives ctx: it ends on a terminal state, the maximum wait, Cancel or
// Shutdown. A second Start for a handle that is still tracked fails with a
// duplicate-tracking error and starts nothing.
func (t *Tracker) Start(ctx context.Context, run *domain.Run, b backend.Backend, sub *backend.Submission, n Notifier) error {
	if sub == nil || sub.Handle == "" {
		return domain.NewError(domain.KindInternal, "track", "", errors.New("submission has no handle"))
	}
	var strategy func(context.Context, *domain.Run) (backend.Completion, error)
	if sub.Events != nil {
		strategy = func(ctx context.Context, run *domain.Run) (backend.Completion, error) {
			return t.stream(ctx, run, sub.Events)
		}
	} else {
		poller, ok := b.(backend.Poller)
		if !ok {
			return domain.NewError(domain.KindInternal, "track", string(sub.Handle), errors.New("backend neither streams nor polls"))
		}
		strategy = func(ctx context.Context, run *domain.Run) (backend.Completion, error) {
			return t.poll(ctx, run, poller)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrShutdown
	}
	if _, exists := t.active[sub.Handle]; exists {
		t.mu.Unlock()
		return domain.NewError(domain.KindDuplicateTracking, "track", string(sub.Handle), errors.New("handle is already tracked"))
	}
	runCtx, cancel := context.WithCancel(t.base)
	t.active[sub.Handle] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	tracked := *run
	tracked.Handle = sub.Handle
	if tracked.State == "" {
		tracked.State = domain.JobStateSubmitted
	}
	go t.track(runCtx, cancel, &tracked, b, sub, strategy, n)
	return nil
}

// MaxWait is how long a run is followed before it times out.
func (t *Tracker) MaxWait() time.Duration { return t.maxWait }

// Active reports whether handle currently has a live tracker.
func (t *Tracker) Active(handle domain.JobHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[handle]
	return ok
}

// Cancel stops tracking handle; the run ends CANCELLED.
func (t *Tracker) Cancel(handle domain.JobHandle) bool {
	t.mu.Lock()
	cancel, ok := t.active[handle]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown stops every in-flight tracker and waits for them to report, or
// for ctx to end.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.stop()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) track(ctx context.Context, cancel context.CancelFunc, run *domain.Run, b backend.Backend, sub *backend.Submission,
	strategy func(context.Context, *domain.Run) (backend.Completion, error), n Notifier) {
	defer t.wg.Done()
	defer t.release(run.Handle)
	defer cancel()
	if sub.Events != nil {
		defer sub.Events.Close()
	}

	log := t.logger.With().Str("run_id", run.ID).Str("job_id", string(run.Handle)).Str("mode", string(run.Mode)).Logger()
	log.Info().Msg("tracker: tracking started")

	deadline := sub.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(t.maxWait)
	}
	waitCtx, waitCancel := context.WithDeadline(ctx, deadline)
	done, err := strategy(waitCtx, run)
	waitCancel()
	if err != nil {
		kind := domain.KindOf(err)
		if kind == domain.KindCancelled && run.Mode == domain.ModeQueued && t.base.Err() != nil {
			// Left active in the ledger so the next process resumes polling.
			run.State = domain.JobStateCancelled
			run.Detail = err.Error()
			log.Info().Msg("tracker: stopped by shutdown, run left resumable")
			n.OnFailed(*run, kind, err.Error())
			return
		}
		t.transition(ctx, run, domain.TerminalStateFor(kind), err.Error())
		log.Warn().Err(err).Str("kind", string(kind)).Str("state", string(run.State)).Msg("tracker: run did not complete")
		n.OnFailed(*run, kind, err.Error())
		return
	}

	t.transition(ctx, run, domain.JobStateCompleted, "")
	artifacts, err := t.collect(ctx, run, b, sub, done)
	if err != nil {
		t.record(ctx, run, err.Error())
		log.Error().Err(err).Msg("tracker: output retrieval failed")
		n.OnFailed(*run, domain.KindRetrieval, err.Error())
		return
	}
	log.Info().Int("artifacts", len(artifacts)).Msg("tracker: run completed")
	n.OnCompleted(*run, artifacts)
}

func (t *Tracker) collect(ctx context.Context, run *domain.Run, b backend.Backend, sub *backend.Submission, done backend.Completion) ([]domain.OutputArtifact, error) {
	refs, err := b.Outputs(ctx, sub, done)
	if err != nil {
		return nil, domain.NewError(domain.KindRetrieval, "outputs", string(run.Handle), err)
	}
	artifacts, err := t.retriever.Retrieve(ctx, refs, run.TenantID, run.ID)
	if err != nil {
		if domain.KindOf(err) != domain.KindRetrieval {
			err = domain.NewError(domain.KindRetrieval, "retrieve", string(run.Handle), err)
		}
		return nil, err
	}
	return artifacts, nil
}

// transition applies a legal state change and persists it. Illegal changes
// are logged and ignored.
func (t *Tracker) transition(ctx context.Context, run *domain.Run, next domain.JobState, detail string) {
	if run.State == next {
		return
	}
	if !run.State.CanTransition(next) {
		t.logger.Error().Str("run_id", run.ID).Str("from", string(run.State)).Str("to", string(next)).Msg("tracker: illegal transition")
		return
	}
	run.State = next
	t.record(ctx, run, detail)
}

func (t *Tracker) record(ctx context.Context, run *domain.Run, detail string) {
	run.Detail = detail
	run.UpdatedAt = time.Now().UTC()
	if t.repo == nil {
		return
	}
	// Terminal states must land even when tracking was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.repo.UpdateState(ctx, run.ID, run.State, detail); err != nil {
		t.logger.Error().Err(err).Str("run_id", run.ID).Str("state", string(run.State)).Msg("tracker: persist state failed")
	}
}

func (t *Tracker) release(handle domain.JobHandle) {
	t.mu.Lock()
	delete(t.active, handle)
	t.mu.Unlock()
}
