package domain

import (
	"errors"
	"strings"
)

// ErrorKind is the stable, inspectable classification of a pipeline failure.
type ErrorKind string

const (
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindInvalidAsset      ErrorKind = "invalid_asset"
	KindStorage           ErrorKind = "storage"
	KindSubmission        ErrorKind = "submission"
	KindDuplicateTracking ErrorKind = "duplicate_tracking"
	KindPoll              ErrorKind = "poll"
	KindJobFailed         ErrorKind = "job_failed"
	KindTimedOut          ErrorKind = "timed_out"
	KindCancelled         ErrorKind = "cancelled"
	KindRetrieval         ErrorKind = "retrieval"
	KindInternal          ErrorKind = "internal"
)

// Error carries a failure kind together with the operation and the offending
// reference (a path, URL or job handle) when there is one.
type Error struct {
	Kind ErrorKind
	Op   string
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Ref != "" {
		b.WriteString(" ")
		b.WriteString(e.Ref)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of Op, Ref or the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Ref == "" && t.Err == nil
}

var (
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrInvalidAsset      = &Error{Kind: KindInvalidAsset}
	ErrStorage           = &Error{Kind: KindStorage}
	ErrSubmission        = &Error{Kind: KindSubmission}
	ErrDuplicateTracking = &Error{Kind: KindDuplicateTracking}
	ErrPoll              = &Error{Kind: KindPoll}
	ErrJobFailed         = &Error{Kind: KindJobFailed}
	ErrTimedOut          = &Error{Kind: KindTimedOut}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrRetrieval         = &Error{Kind: KindRetrieval}

	ErrNotFound = errors.New("not found")
)

// NewError builds a classified error.
func NewError(kind ErrorKind, op, ref string, err error) *Error {
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
