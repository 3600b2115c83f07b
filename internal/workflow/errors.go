package workflow

import (
	"errors"
	"fmt"
)

// ErrIterationCapExceeded marks a bounded loop that hit its configured cap.
var ErrIterationCapExceeded = errors.New("iteration cap exceeded")

// WorkflowError is the engine's terminal failure: a stage exhausted its
// retry budget, a loop exceeded its iteration cap, or the run was
// cancelled. The partial State is still returned alongside it.
type WorkflowError struct {
	Stage StageName
	Cause error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow failed at stage %s: %v", e.Stage, e.Cause)
}

func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// StageError wraps a failure raised by a stage function that is not
// provider-related, e.g. structured output that fails validation.
type StageError struct {
	Stage StageName
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError wraps err with the stage that raised it.
func NewStageError(stage StageName, err error) *StageError {
	return &StageError{Stage: stage, Cause: err}
}
