package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the status API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

// ErrorKind classifies a failure for reporting.
type ErrorKind string

const (
	KindConfiguration    ErrorKind = "configuration"
	KindInputConsistency ErrorKind = "input_consistency"
	KindDegenerateData   ErrorKind = "degenerate_data"
	KindToolInvocation   ErrorKind = "tool_invocation"
	KindCohortMismatch   ErrorKind = "cohort_mismatch"
	KindCancelled        ErrorKind = "cancelled"
	KindInternal         ErrorKind = "internal"
)

// ConfigError is raised before any subject is processed: bad parameters,
// conflicting options, invalid graph wiring, or missing binaries.
type ConfigError struct {
	Message string
	Details []FieldError
}

// NewConfigError creates a ConfigError.
func NewConfigError(msg string, details ...FieldError) *ConfigError {
	return &ConfigError{Message: msg, Details: details}
}

func (e *ConfigError) Error() string {
	if len(e.Details) == 0 {
		return "configuration error: " + e.Message
	}
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		if d.Field != "" {
			parts[i] = d.Field + ": " + d.Message
		} else {
			parts[i] = d.Message
		}
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Message, strings.Join(parts, "; "))
}

// InputConsistencyError reports per-subject inputs that disagree with each
// other. Counts, when set, holds the conflicting sizes keyed by input name.
type InputConsistencyError struct {
	ImageID string
	Message string
	Counts  map[string]int
}

func (e *InputConsistencyError) Error() string {
	var b strings.Builder
	b.WriteString("input consistency error")
	if e.ImageID != "" {
		b.WriteString(" (" + e.ImageID + ")")
	}
	b.WriteString(": " + e.Message)
	if len(e.Counts) > 0 {
		b.WriteString(" [" + formatCounts(e.Counts) + "]")
	}
	return b.String()
}

// DegenerateDataError reports data that cannot produce a meaningful result,
// such as an acquisition with no low b-value volume.
type DegenerateDataError struct {
	ImageID string
	Message string
}

func (e *DegenerateDataError) Error() string {
	if e.ImageID != "" {
		return fmt.Sprintf("degenerate data (%s): %s", e.ImageID, e.Message)
	}
	return "degenerate data: " + e.Message
}

// ToolInvocationError reports an external tool that could not be started or
// exited abnormally. Stderr holds the tail of the tool's error stream.
type ToolInvocationError struct {
	Tool     string
	Binary   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolInvocationError) Error() string {
	msg := fmt.Sprintf("tool %s (%s)", e.Tool, e.Binary)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolInvocationError) Unwrap() error {
	return e.Err
}

// CohortMismatchError reports per-subject input columns of unequal length,
// or subject/session pairs listed more than once.
type CohortMismatchError struct {
	Lengths    map[string]int
	Duplicates []string // sub-XXX_ses-YYY keys
}

func (e *CohortMismatchError) Error() string {
	if len(e.Duplicates) > 0 {
		return "cohort lists images more than once: " + strings.Join(e.Duplicates, ", ")
	}
	return "cohort columns have different lengths: " + formatCounts(e.Lengths)
}

// KindOf classifies err by the first typed error found in its chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		cfgErr    *ConfigError
		inputErr  *InputConsistencyError
		degErr    *DegenerateDataError
		toolErr   *ToolInvocationError
		cohortErr *CohortMismatchError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &inputErr):
		return KindInputConsistency
	case errors.As(err, &degErr):
		return KindDegenerateData
	case errors.As(err, &toolErr):
		return KindToolInvocation
	case errors.As(err, &cohortErr):
		return KindCohortMismatch
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}
	return KindInternal
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ", ")
}
