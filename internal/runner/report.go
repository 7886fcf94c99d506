package runner

import (
	"time"

	"github.com/me/dwiprep/pkg/model"
)

// Status is the outcome of one cohort entry.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// SubjectResult is the outcome of one cohort entry.
type SubjectResult struct {
	Subject  string          `json:"subject"`
	Session  string          `json:"session"`
	ImageID  string          `json:"image_id"`
	Status   Status          `json:"status"`
	Kind     model.ErrorKind `json:"error_kind,omitempty"`
	Stage    string          `json:"failed_stage,omitempty"`
	Err      error           `json:"-"`
	Outputs  []string        `json:"outputs,omitempty"`
	Duration time.Duration   `json:"duration_ns"`
}

// Report summarizes a cohort run.
type Report struct {
	RunID    string          `json:"run_id,omitempty"`
	Pipeline string          `json:"pipeline"`
	Subjects []SubjectResult `json:"subjects"`
	Duration time.Duration   `json:"duration_ns"`
}

// Count returns the number of entries with the given status.
func (r *Report) Count(s Status) int {
	n := 0
	for _, sr := range r.Subjects {
		if sr.Status == s {
			n++
		}
	}
	return n
}

// Failed returns the entries that failed.
func (r *Report) Failed() []SubjectResult {
	var out []SubjectResult
	for _, sr := range r.Subjects {
		if sr.Status == StatusFailed {
			out = append(out, sr)
		}
	}
	return out
}

// NothingToProcess reports whether every entry was already processed.
func (r *Report) NothingToProcess() bool {
	return len(r.Subjects) > 0 && r.Count(StatusSkipped) == len(r.Subjects)
}

// state maps the report to the final run state.
func (r *Report) state(cancelled bool) model.RunState {
	switch {
	case cancelled:
		return model.RunStateCancelled
	case r.Count(StatusFailed) > 0:
		return model.RunStateFailed
	}
	return model.RunStateCompleted
}
