package tracker

import "portrait/internal/domain"

// Notifier receives the outcome of a tracked run. Exactly one method is
// called, exactly once, per run.
type Notifier interface {
	OnCompleted(run domain.Run, artifacts []domain.OutputArtifact)
	OnFailed(run domain.Run, kind domain.ErrorKind, detail string)
}

// NotifierFuncs adapts plain functions to Notifier. Nil fields are skipped.
type NotifierFuncs struct {
	Completed func(run domain.Run, artifacts []domain.OutputArtifact)
	Failed    func(run domain.Run, kind domain.ErrorKind, detail string)
}

func (f NotifierFuncs) OnCompleted(run domain.Run, artifacts []domain.OutputArtifact) {
	if f.Completed != nil {
		f.Completed(run, artifacts)
	}
}

func (f NotifierFuncs) OnFailed(run domain.Run, kind domain.ErrorKind, detail string) {
	if f.Failed != nil {
		f.Failed(run, kind, detail)
	}
}
