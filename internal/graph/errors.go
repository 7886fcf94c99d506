package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrMissingInput    = errors.New("missing input")
	ErrMissingOutput   = errors.New("declared output not produced")
	ErrUndeclaredPort  = errors.New("undeclared output port")
	ErrScatterMismatch = errors.New("scattered inputs have different lengths")
)

// StageError wraps a failure with the name of the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
