package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the backend execution strategy for a run.
type Mode string

const (
	// ModeQueued talks to a request/poll HTTP job queue.
	ModeQueued Mode = "queued"
	// ModeStreamed talks to a node-graph execution engine over a live socket.
	ModeStreamed Mode = "streamed"
)

// ParseMode normalises free-form configuration into a supported mode.
func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case ModeQueued, "":
		return ModeQueued, nil
	case ModeStreamed, "graph", "comfy":
		return ModeStreamed, nil
	default:
		return "", fmt.Errorf("unsupported backend mode %q", v)
	}
}

// JobHandle is the opaque correlation id assigned by the backend at submission.
type JobHandle string

// JobState enumerates the tracked lifecycle of a submitted job.
type JobState string

const (
	JobStateSubmitted JobState = "SUBMITTED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateTimedOut  JobState = "TIMED_OUT"
	JobStateCancelled JobState = "CANCELLED"
)

var jobTransitions = map[JobState][]JobState{
	JobStateSubmitted: {JobStateRunning, JobStateCompleted, JobStateFailed, JobStateTimedOut, JobStateCancelled},
	JobStateRunning:   {JobStateCompleted, JobStateFailed, JobStateTimedOut, JobStateCancelled},
}

// Terminal reports whether no transition may leave s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateTimedOut, JobStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> next is a legal lifecycle step.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TerminalStateFor maps a tracking failure kind onto the terminal job state it
// produces. Retrieval failures leave the job COMPLETED.
func TerminalStateFor(kind ErrorKind) JobState {
	switch kind {
	case KindTimedOut:
		return JobStateTimedOut
	case KindCancelled:
		return JobStateCancelled
	case KindRetrieval:
		return JobStateCompleted
	default:
		return JobStateFailed
	}
}

// Run is one pipeline execution: a submitted job and what is needed to resume
// tracking it.
type Run struct {
	ID        string
	TenantID  string
	Mode      Mode
	Handle    JobHandle
	State     JobState
	Detail    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
