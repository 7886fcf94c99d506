package model

import "time"

// Run is one invocation of a preprocessing pipeline over a cohort.
type Run struct {
	ID          string         `json:"id"`
	Pipeline    string         `json:"pipeline"`
	Variant     string         `json:"variant"`
	Params      map[string]any `json:"params"`
	State       RunState       `json:"state"`
	Summary     SubjectSummary `json:"summary"` // Computed field, not stored
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at"`
}

// SubjectRun records the progress of one cohort entry inside a Run.
type SubjectRun struct {
	RunID       string       `json:"run_id"`
	ImageID     string       `json:"image_id"`
	Subject     string       `json:"subject"`
	Session     string       `json:"session"`
	State       SubjectState `json:"state"`
	ErrorKind   ErrorKind    `json:"error_kind,omitempty"`
	Error       string       `json:"error,omitempty"`
	FailedStage string       `json:"failed_stage,omitempty"`
	OutputDir   string       `json:"output_dir,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// SubjectSummary provides an aggregate count of subject states within a Run.
type SubjectSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ComputeSubjectSummary calculates the SubjectSummary from a slice of subjects.
func ComputeSubjectSummary(subjects []*SubjectRun) SubjectSummary {
	s := SubjectSummary{Total: len(subjects)}
	for _, sr := range subjects {
		switch sr.State {
		case SubjectStatePending:
			s.Pending++
		case SubjectStateRunning:
			s.Running++
		case SubjectStateCompleted:
			s.Completed++
		case SubjectStateFailed:
			s.Failed++
		case SubjectStateSkipped:
			s.Skipped++
		}
	}
	return s
}
