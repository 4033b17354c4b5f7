package backend

import (
	"context"
	"errors"
	"strings"

	"portrait/internal/domain"
	"portrait/internal/providers/runpod"
)

// QueuedClient is the job queue API surface used by QueuedBackend.
type QueuedClient interface {
	Run(ctx context.Context, input domain.QueuedInput) (string, error)
	Status(ctx context.Context, jobID string) (runpod.StatusResponse, error)
}

// QueuedBackend submits to the request/poll job queue.
type QueuedBackend struct {
	client QueuedClient
}

// NewQueued constructs a queued backend.
func NewQueued(client QueuedClient) *QueuedBackend {
	return &QueuedBackend{client: client}
}

func (b *QueuedBackend) Mode() domain.Mode { return domain.ModeQueued }

func (b *QueuedBackend) Submit(ctx context.Context, payload domain.JobPayload) (*Submission, error) {
	if payload.Mode != domain.ModeQueued || payload.Queued == nil {
		return nil, domain.NewError(domain.KindSubmission, "submit", string(payload.Mode), errors.New("payload is not a queued payload"))
	}
	id, err := b.client.Run(ctx, *payload.Queued)
	if err != nil {
		return nil, domain.NewError(domain.KindSubmission, "submit", "", err)
	}
	return &Submission{Handle: domain.JobHandle(id)}, nil
}

// Status maps the queue's status vocabulary onto job states.
func (b *QueuedBackend) Status(ctx context.Context, handle domain.JobHandle) (StatusReport, error) {
	resp, err := b.client.Status(ctx, string(handle))
	if err != nil {
		return StatusReport{}, err
	}
	switch resp.Status {
	case runpod.StatusCompleted:
		urls, err := resp.OutputURLs()
		if err != nil {
			return StatusReport{}, err
		}
		return StatusReport{State: domain.JobStateCompleted, Completion: Completion{URLs: urls}}, nil
	case runpod.StatusFailed, runpod.StatusCancelled, runpod.StatusTimedOut:
		detail := strings.TrimSpace(resp.Error)
		if detail == "" {
			detail = "backend reported " + strings.ToLower(resp.Status)
		}
		return StatusReport{State: domain.JobStateFailed, Detail: detail}, nil
	case runpod.StatusInProgress, runpod.StatusRunning:
		return StatusReport{State: domain.JobStateRunning}, nil
	default:
		return StatusReport{State: domain.JobStateSubmitted}, nil
	}
}

func (b *QueuedBackend) Outputs(ctx context.Context, sub *Submission, done Completion) ([]domain.OutputRef, error) {
	refs := make([]domain.OutputRef, 0, len(done.URLs))
	for _, u := range done.URLs {
		refs = append(refs, domain.OutputRef{URL: u})
	}
	return refs, nil
}

var (
	_ Backend = (*QueuedBackend)(nil)
	_ Poller  = (*QueuedBackend)(nil)
)
