// Package backend submits job payloads to one of the two execution modes and
// exposes the mode-specific way of following a job to completion.
package backend

import (
	"context"
	"time"

	"portrait/internal/domain"
)

// Backend is the strategy selected once per run.
type Backend interface {
	Mode() domain.Mode
	// Submit starts execution and returns without waiting for completion.
	Submit(ctx context.Context, payload domain.JobPayload) (*Submission, error)
	// Outputs resolves the output references of a completed job.
	Outputs(ctx context.Context, sub *Submission, done Completion) ([]domain.OutputRef, error)
}

// Poller is implemented by backends whose status is queried on an interval.
type Poller interface {
	Status(ctx context.Context, handle domain.JobHandle) (StatusReport, error)
}

// Submission is the result of a successful Submit. Events is set when the
// backend pushes progress over a live connection; otherwise the job is polled.
type Submission struct {
	Handle domain.JobHandle
	Events EventStream
	// Deadline, when set, replaces the tracker's maximum wait. Resumed runs
	// carry the deadline of their original submission.
	Deadline time.Time
}

// StatusReport is one observation of a polled job.
type StatusReport struct {
	State      domain.JobState
	Detail     string
	Completion Completion
}

// Completion carries whatever the backend declared when the job finished.
type Completion struct {
	URLs []string
}

// EventKind classifies a stream event relevant to the tracked job.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

// Event is one stream observation for the tracked job. Frames that belong to
// other jobs are filtered out by the stream.
type Event struct {
	Kind   EventKind
	Node   string
	Detail string
}

// EventStream delivers the tracked job's events until Close. Next returns an
// error once the connection is gone.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}
