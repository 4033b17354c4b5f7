package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrait/internal/backend"
	"portrait/internal/domain"
)

type scriptedBackend struct {
	mu      sync.Mutex
	script  []func() (backend.StatusReport, error)
	polls   atomic.Int32
	outputs []domain.OutputRef
	outErr  error
}

func (b *scriptedBackend) Mode() domain.Mode { return domain.ModeQueued }

func (b *scriptedBackend) Submit(ctx context.Context, payload domain.JobPayload) (*backend.Submission, error) {
	return nil, errors.New("not used")
}

func (b *scriptedBackend) Outputs(ctx context.Context, sub *backend.Submission, done backend.Completion) ([]domain.OutputRef, error) {
	if b.outErr != nil {
		return nil, b.outErr
	}
	if b.outputs != nil {
		return b.outputs, nil
	}
	refs := make([]domain.OutputRef, 0, len(done.URLs))
	for _, u := range done.URLs {
		refs = append(refs, domain.OutputRef{URL: u})
	}
	return refs, nil
}

// Status replays the script; the last step repeats forever.
func (b *scriptedBackend) Status(ctx context.Context, handle domain.JobHandle) (backend.StatusReport, error) {
	n := int(b.polls.Add(1))
	b.mu.Lock()
	step := b.script[min(n, len(b.script))-1]
	b.mu.Unlock()
	return step()
}

func running() (backend.StatusReport, error) {
	return backend.StatusReport{State: domain.JobStateRunning}, nil
}

func completed(urls ...string) func() (backend.StatusReport, error) {
	return func() (backend.StatusReport, error) {
		return backend.StatusReport{State: domain.JobStateCompleted, Completion: backend.Completion{URLs: urls}}, nil
	}
}

func pollErr() (backend.StatusReport, error) {
	return backend.StatusReport{}, errors.New("connection refused")
}

type stubRetriever struct {
	calls atomic.Int32
	err   error
}

func (r *stubRetriever) Retrieve(ctx context.Context, refs []domain.OutputRef, tenant, runID string) ([]domain.OutputArtifact, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	out := make([]domain.OutputArtifact, 0, len(refs))
	for i, ref := range refs {
		out = append(out, domain.OutputArtifact{Ref: ref.Describe(), LocalPath: tenant + "-" + runID, Index: i})
	}
	return out, nil
}

type recordingRepo struct {
	mu     sync.Mutex
	states map[string][]domain.JobState
}

func (r *recordingRepo) Create(ctx context.Context, run *domain.Run) error { return nil }
func (r *recordingRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	return nil, domain.ErrNotFound
}
func (r *recordingRepo) ListActive(ctx context.Context, mode domain.Mode) ([]domain.Run, error) {
	return nil, nil
}
func (r *recordingRepo) UpdateState(ctx context.Context, runID string, state domain.JobState, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[string][]domain.JobState)
	}
	r.states[runID] = append(r.states[runID], state)
	return nil
}
func (r *recordingRepo) history(runID string) []domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobState(nil), r.states[runID]...)
}

type outcome struct {
	run       domain.Run
	artifacts []domain.OutputArtifact
	kind      domain.ErrorKind
	detail    string
	failed    bool
}

type chanNotifier struct{ ch chan outcome }

func newNotifier() *chanNotifier { return &chanNotifier{ch: make(chan outcome, 4)} }

func (n *chanNotifier) OnCompleted(run domain.Run, artifacts []domain.OutputArtifact) {
	n.ch <- outcome{run: run, artifacts: artifacts}
}

func (n *chanNotifier) OnFailed(run domain.Run, kind domain.ErrorKind, detail string) {
	n.ch <- outcome{run: run, kind: kind, detail: detail, failed: true}
}

func (n *chanNotifier) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-n.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
		return outcome{}
	}
}

// assertQuiet checks that no second notification follows.
func (n *chanNotifier) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case o := <-n.ch:
		t.Fatalf("unexpected extra notification: %+v", o)
	case <-time.After(30 * time.Millisecond):
	}
}

func newRun(id string) *domain.Run {
	return &domain.Run{ID: id, TenantID: "tenant", Mode: domain.ModeQueued, State: domain.JobStateSubmitted}
}

func fastOptions() Options {
	return Options{PollInterval: time.Millisecond, MaxWait: 5 * time.Second, MaxPollFailures: 3}
}

func shutdown(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))
}

func TestPollCompletesAfterRunningPolls(t *testing.T) {
	for _, k := range []int{0, 1, 4} {
		script := make([]func() (backend.StatusReport, error), 0, k+1)
		for i := 0; i < k; i++ {
			script = append(script, running)
		}
		script = append(script, completed("https://b/out.jpg"))
		b := &scriptedBackend{script: script}
		repo := &recordingRepo{}
		ret := &stubRetriever{}
		tr := New(ret, repo, fastOptions())
		n := newNotifier()

		require.NoError(t, tr.Start(context.Background(), newRun("run-1"), b, &backend.Submission{Handle: "job-123"}, n))
		got := n.wait(t)
		n.assertQuiet(t)
		shutdown(t, tr)

		assert.False(t, got.failed, "k=%d", k)
		assert.Equal(t, int32(k+1), b.polls.Load(), "k=%d", k)
		require.Len(t, got.artifacts, 1)
		assert.Equal(t, "https://b/out.jpg", got.artifacts[0].Ref)
		assert.Equal(t, domain.JobStateCompleted, got.run.State)
		assert.Equal(t, domain.JobHandle("job-123"), got.run.Handle)
		assert.Equal(t, int32(1), ret.calls.Load())
		assert.Equal(t, domain.JobStateCompleted, repo.history("run-1")[len(repo.history("run-1"))-1])
		if k > 0 {
			assert.Equal(t, domain.JobStateRunning, repo.history("run-1")[0])
		}
	}
}

func TestPollTimesOut(t *testing.T) {
	b := &scriptedBackend{script: []func() (backend.StatusReport, error){running}}
	repo := &recordingRepo{}
	ret := &stubRetriever{}
	opts := fastOptions()
	opts.MaxWait = 50 * time.Millisecond
	tr := New(ret, repo, opts)
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-t"), b, &backend.Submission{Handle: "job-t"}, n))
	got := n.wait(t)
	n.assertQuiet(t)
	shutdown(t, tr)

	assert.True(t, got.failed)
	assert.Equal(t, domain.KindTimedOut, got.kind)
	assert.Equal(t, domain.JobStateTimedOut, got.run.State)
	assert.Empty(t, got.artifacts)
	assert.Zero(t, ret.calls.Load(), "no artifacts are created for a timed-out job")
	assert.Equal(t, []domain.JobState{domain.JobStateRunning, domain.JobStateTimedOut}, repo.history("run-t"))
}

func TestPollToleratesTransientFailures(t *testing.T) {
	b := &scriptedBackend{script: []func() (backend.StatusReport, error){pollErr, running, pollErr, pollErr, completed("u")}}
	tr := New(&stubRetriever{}, nil, fastOptions())
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-2"), b, &backend.Submission{Handle: "job-2"}, n))
	got := n.wait(t)
	shutdown(t, tr)
	assert.False(t, got.failed, got.detail)
	assert.Equal(t, int32(5), b.polls.Load())
}

func TestPollFailsAfterConsecutiveFailures(t *testing.T) {
	b := &scriptedBackend{script: []func() (backend.StatusReport, error){running, pollErr}}
	tr := New(&stubRetriever{}, nil, fastOptions())
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-3"), b, &backend.Submission{Handle: "job-3"}, n))
	got := n.wait(t)
	shutdown(t, tr)
	assert.True(t, got.failed)
	assert.Equal(t, domain.KindPoll, got.kind)
	assert.Equal(t, domain.JobStateFailed, got.run.State)
	assert.Contains(t, got.detail, "connection refused")
	assert.Equal(t, int32(4), b.polls.Load())
}

func TestPollBackendFailure(t *testing.T) {
	b := &scriptedBackend{script: []func() (backend.StatusReport, error){running, func() (backend.StatusReport, error) {
		return backend.StatusReport{State: domain.JobStateFailed, Detail: "worker crashed"}, nil
	}}}
	tr := New(&stubRetriever{}, nil, fastOptions())
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-4"), b, &backend.Submission{Handle: "job-4"}, n))
	got := n.wait(t)
	shutdown(t, tr)
	assert.Equal(t, domain.KindJobFailed, got.kind)
	assert.Equal(t, domain.JobStateFailed, got.run.State)
	assert.Contains(t, got.detail, "worker crashed")
}

func TestDuplicateHandleIsRejected(t *testing.T) {
	b := &scriptedBackend{script: []func() (backend.StatusReport, error){running}}
	opts := fastOptions()
	opts.PollInterval = 20 * time.Millisecond
	tr := New(&stubRetriever{}, nil, opts)
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-a"), b, &backend.Submission{Handle: "job-123"}, n))
	assert.True(t, tr.Active("job-123"))

	err := tr.Start(context.Background(), newRun("run-b"), b, &backend.Submission{Handle: "job-123"}, n)
	require.ErrorIs(t, err, domain.ErrDuplicateTracking)

	time.Sleep(70 * time.Millisecond)
	// One loop polling every 20ms: a second loop would roughly double this.
	assert.LessOrEqual(t, b.polls.Load(), int32(4))

	assert.True(t, tr.Cancel("job-123"))
	got := n.wait(t)
	n.assertQuiet(t)
	assert.Equal(t, "run-a", got.run.ID)
	assert.Equal(t, domain.KindCancelled, got.kind)
	assert.Equal(t, domain.JobStateCancelled, got.run.State)
	shutdown(t, tr)
	assert.False(t, tr.Active("job-123"))
}

func TestRetrievalErrorKeepsJobCompleted(t *testing.T) {
	b := &scriptedBackend{script: []func() (backend.StatusReport, error){completed("https://b/out.jpg")}}
	repo := &recordingRepo{}
	tr := New(&stubRetriever{err: errors.New("disk full")}, repo, fastOptions())
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-r"), b, &backend.Submission{Handle: "job-r"}, n))
	got := n.wait(t)
	shutdown(t, tr)
	assert.True(t, got.failed)
	assert.Equal(t, domain.KindRetrieval, got.kind)
	assert.Equal(t, domain.JobStateCompleted, got.run.State)
	assert.Contains(t, got.detail, "disk full")
	for _, s := range repo.history("run-r") {
		assert.Equal(t, domain.JobStateCompleted, s)
	}
}

func TestShutdownCancelsInFlight(t *testing.T) {
	b := &scriptedBackend{script: []func() (backend.StatusReport, error){running}}
	repo := &recordingRepo{}
	tr := New(&stubRetriever{}, repo, fastOptions())
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-s"), b, &backend.Submission{Handle: "job-s"}, n))
	shutdown(t, tr)
	got := n.wait(t)
	assert.Equal(t, domain.KindCancelled, got.kind)
	assert.Equal(t, domain.JobStateCancelled, got.run.State)
	assert.NotContains(t, repo.history("run-s"), domain.JobStateCancelled, "queued runs stay resumable across shutdown")

	err := tr.Start(context.Background(), newRun("run-x"), b, &backend.Submission{Handle: "job-x"}, n)
	assert.ErrorIs(t, err, ErrShutdown)
}

type chanStream struct {
	ch     chan backend.Event
	closed atomic.Bool
}

func (s *chanStream) Next(ctx context.Context) (backend.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return backend.Event{}, errors.New("websocket: close 1006")
		}
		return ev, nil
	case <-ctx.Done():
		return backend.Event{}, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.closed.Store(true)
	return nil
}

func streamBackend() *scriptedBackend {
	return &scriptedBackend{outputs: []domain.OutputRef{{Data: []byte("png"), Filename: "portrait_00001_.png"}}}
}

func TestStreamCompletes(t *testing.T) {
	stream := &chanStream{ch: make(chan backend.Event, 4)}
	stream.ch <- backend.Event{Kind: backend.EventProgress, Node: "3"}
	stream.ch <- backend.Event{Kind: backend.EventCompleted}
	b := streamBackend()
	tr := New(&stubRetriever{}, nil, fastOptions())
	n := newNotifier()

	run := newRun("run-st")
	run.Mode = domain.ModeStreamed
	require.NoError(t, tr.Start(context.Background(), run, b, &backend.Submission{Handle: "prompt-1", Events: stream}, n))
	got := n.wait(t)
	shutdown(t, tr)
	assert.False(t, got.failed, got.detail)
	require.Len(t, got.artifacts, 1)
	assert.Zero(t, b.polls.Load(), "streamed jobs are never polled")
	assert.True(t, stream.closed.Load())
}

func TestStreamDropFailsRun(t *testing.T) {
	stream := &chanStream{ch: make(chan backend.Event, 1)}
	stream.ch <- backend.Event{Kind: backend.EventProgress, Node: "3"}
	close(stream.ch)
	tr := New(&stubRetriever{}, nil, fastOptions())
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-d"), streamBackend(), &backend.Submission{Handle: "prompt-d", Events: stream}, n))
	got := n.wait(t)
	shutdown(t, tr)
	assert.True(t, got.failed)
	assert.Equal(t, domain.JobStateFailed, got.run.State)
	assert.Contains(t, got.detail, "closed before completion")
}

func TestStreamExecutionError(t *testing.T) {
	stream := &chanStream{ch: make(chan backend.Event, 1)}
	stream.ch <- backend.Event{Kind: backend.EventFailed, Detail: "KSampler (3): CUDA out of memory"}
	tr := New(&stubRetriever{}, nil, fastOptions())
	n := newNotifier()

	require.NoError(t, tr.Start(context.Background(), newRun("run-e"), streamBackend(), &backend.Submission{Handle: "prompt-e", Events: stream}, n))
	got := n.wait(t)
	shutdown(t, tr)
	assert.Equal(t, domain.KindJobFailed, got.kind)
	assert.Contains(t, got.detail, "CUDA out of memory")
}

func TestStartRequiresPollerWithoutEvents(t *testing.T) {
	tr := New(&stubRetriever{}, nil, fastOptions())
	defer shutdown(t, tr)
	err := tr.Start(context.Background(), newRun("r"), noPoll{}, &backend.Submission{Handle: "h"}, newNotifier())
	assert.Error(t, err)
	assert.False(t, tr.Active("h"))
}

type noPoll struct{}

func (noPoll) Mode() domain.Mode { return domain.ModeStreamed }
func (noPoll) Submit(ctx context.Context, payload domain.JobPayload) (*backend.Submission, error) {
	return nil, nil
}
func (noPoll) Outputs(ctx context.Context, sub *backend.Submission, done backend.Completion) ([]domain.OutputRef, error) {
	return nil, nil
}
