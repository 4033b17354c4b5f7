package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"portrait/internal/domain"
	"portrait/internal/providers/comfy"
)

// StreamedBackend submits graphs to the execution engine and follows them
// over a dedicated socket session.
type StreamedBackend struct {
	client *comfy.Client
}

// NewStreamed constructs a streamed backend.
func NewStreamed(client *comfy.Client) *StreamedBackend {
	return &StreamedBackend{client: client}
}

func (b *StreamedBackend) Mode() domain.Mode { return domain.ModeStreamed }

// Submit opens the session before queueing so no event for the prompt is
// missed.
func (b *StreamedBackend) Submit(ctx context.Context, payload domain.JobPayload) (*Submission, error) {
	if payload.Mode != domain.ModeStreamed || payload.Graph == nil {
		return nil, domain.NewError(domain.KindSubmission, "submit", string(payload.Mode), errors.New("payload is not a graph payload"))
	}
	session, err := b.client.Dial(ctx, uuid.NewString())
	if err != nil {
		return nil, domain.NewError(domain.KindSubmission, "submit", "", err)
	}
	promptID, err := b.client.QueuePrompt(ctx, payload.Graph, session.ClientID())
	if err != nil {
		_ = session.Close()
		return nil, domain.NewError(domain.KindSubmission, "submit", "", err)
	}
	return &Submission{
		Handle: domain.JobHandle(promptID),
		Events: &promptStream{session: session, promptID: promptID},
	}, nil
}

// Outputs downloads every image the finished prompt saved, ordered by node
// id then position.
func (b *StreamedBackend) Outputs(ctx context.Context, sub *Submission, done Completion) ([]domain.OutputRef, error) {
	entry, err := b.client.History(ctx, string(sub.Handle))
	if err != nil {
		return nil, err
	}
	nodes := make([]string, 0, len(entry.Outputs))
	for node := range entry.Outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var refs []domain.OutputRef
	for _, node := range nodes {
		for _, img := range entry.Outputs[node].Images {
			data, err := b.client.View(ctx, img)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", img.Filename, err)
			}
			refs = append(refs, domain.OutputRef{Data: data, Filename: img.Filename})
		}
	}
	return refs, nil
}

type promptStream struct {
	session  *comfy.Session
	promptID string
}

func (s *promptStream) Next(ctx context.Context) (Event, error) {
	for {
		ev, err := s.session.Next(ctx)
		if err != nil {
			return Event{}, err
		}
		if ev.Binary != nil {
			continue
		}
		if data, ok := ev.Executing(); ok && data.PromptID == s.promptID {
			if data.Node == nil {
				return Event{Kind: EventCompleted}, nil
			}
			return Event{Kind: EventProgress, Node: *data.Node}, nil
		}
		if data, ok := ev.ExecutionError(); ok && data.PromptID == s.promptID {
			return Event{
				Kind:   EventFailed,
				Node:   data.NodeID,
				Detail: fmt.Sprintf("%s (%s): %s", data.NodeType, data.NodeID, data.ExceptionMessage),
			}, nil
		}
	}
}

func (s *promptStream) Close() error { return s.session.Close() }

var _ Backend = (*StreamedBackend)(nil)
