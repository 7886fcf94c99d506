package model

import (
	"fmt"
	"time"
)

// Response is the envelope of every status API reply.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination describes one page of the run history.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Page bounds for run listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// RunFilter selects a page of recorded runs, newest first.
type RunFilter struct {
	Limit  int
	Offset int
	State  RunState // empty means any state
}

// DefaultRunFilter returns the first page of runs in any state.
func DefaultRunFilter() RunFilter {
	return RunFilter{Limit: DefaultPageSize}
}

// Clamp brings Limit into [1, MaxPageSize] and Offset to >= 0.
func (f *RunFilter) Clamp() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Validate rejects states runs never take.
func (f RunFilter) Validate() *APIError {
	if f.State == "" {
		return nil
	}
	if _, ok := ValidRunTransitions[f.State]; ok || f.State.IsTerminal() {
		return nil
	}
	return NewValidationError("invalid run filter",
		FieldError{Field: "state", Message: fmt.Sprintf("unknown run state %q", f.State)})
}

// Page describes the page selected by f out of total runs.
func (f RunFilter) Page(total int) *Pagination {
	return &Pagination{
		Total:   total,
		Limit:   f.Limit,
		Offset:  f.Offset,
		HasMore: f.Offset+f.Limit < total,
	}
}
