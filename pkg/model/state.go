package model

// SubjectState represents the lifecycle state of one cohort entry in a run.
type SubjectState string

const (
	SubjectStatePending   SubjectState = "PENDING"
	SubjectStateRunning   SubjectState = "RUNNING"
	SubjectStateCompleted SubjectState = "COMPLETED"
	SubjectStateFailed    SubjectState = "FAILED"
	SubjectStateSkipped   SubjectState = "SKIPPED"
)

// String returns the string representation of the subject state.
func (s SubjectState) String() string {
	return string(s)
}

// IsTerminal returns true if the subject is in a final state.
func (s SubjectState) IsTerminal() bool {
	switch s {
	case SubjectStateCompleted, SubjectStateFailed, SubjectStateSkipped:
		return true
	}
	return false
}

// ValidSubjectTransitions defines the allowed state transitions for subjects.
var ValidSubjectTransitions = map[SubjectState][]SubjectState{
	SubjectStatePending: {SubjectStateRunning, SubjectStateSkipped, SubjectStateFailed},
	SubjectStateRunning: {SubjectStateCompleted, SubjectStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s SubjectState) CanTransitionTo(next SubjectState) bool {
	for _, allowed := range ValidSubjectTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of a whole cohort run.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
	RunStateCancelled RunState = "CANCELLED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[RunState][]RunState{
	RunStateRunning: {RunStateCompleted, RunStateFailed, RunStateCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
