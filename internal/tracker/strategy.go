package tracker

import (
	"context"
	"errors"
	"time"

	"portrait/internal/backend"
	"portrait/internal/domain"
)

// poll queries status once per interval until a terminal report. Single
// failed polls are retried; maxFails consecutive failures fail the run.
func (t *Tracker) poll(ctx context.Context, run *domain.Run, p backend.Poller) (backend.Completion, error) {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return backend.Completion{}, stopped(ctx, run.Handle)
		case <-timer.C:
		}

		report, err := p.Status(ctx, run.Handle)
		if err != nil {
			if ctx.Err() != nil {
				return backend.Completion{}, stopped(ctx, run.Handle)
			}
			failures++
			t.logger.Warn().Err(err).Str("job_id", string(run.Handle)).Int("failures", failures).Msg("tracker: poll failed")
			if failures >= t.maxFails {
				return backend.Completion{}, domain.NewError(domain.KindPoll, "poll", string(run.Handle), err)
			}
			timer.Reset(t.interval)
			continue
		}
		failures = 0

		switch report.State {
		case domain.JobStateCompleted:
			return report.Completion, nil
		case domain.JobStateFailed:
			return backend.Completion{}, domain.NewError(domain.KindJobFailed, "poll", string(run.Handle), errors.New(report.Detail))
		case domain.JobStateRunning:
			t.transition(ctx, run, domain.JobStateRunning, "")
		}
		timer.Reset(t.interval)
	}
}

// stream consumes the job's events until completion, failure or disconnect.
func (t *Tracker) stream(ctx context.Context, run *domain.Run, events backend.EventStream) (backend.Completion, error) {
	for {
		ev, err := events.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backend.Completion{}, stopped(ctx, run.Handle)
			}
			return backend.Completion{}, domain.NewError(domain.KindPoll, "stream", string(run.Handle),
				errors.Join(errors.New("event stream closed before completion"), err))
		}
		switch ev.Kind {
		case backend.EventCompleted:
			return backend.Completion{}, nil
		case backend.EventFailed:
			return backend.Completion{}, domain.NewError(domain.KindJobFailed, "stream", string(run.Handle), errors.New(ev.Detail))
		default:
			t.transition(ctx, run, domain.JobStateRunning, "")
		}
	}
}

// stopped classifies why ctx ended: the maximum wait elapsing, or the
// tracker being cancelled or shut down.
func stopped(ctx context.Context, handle domain.JobHandle) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimedOut, "track", string(handle), errors.New("maximum wait elapsed"))
	}
	return domain.NewError(domain.KindCancelled, "track", string(handle), ctx.Err())
}
