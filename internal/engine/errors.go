package engine

import (
	"errors"
	"fmt"
)

// ErrBudgetExhausted marks a step that used up its iteration budget
// without reaching a clean review. It aborts the whole run.
var ErrBudgetExhausted = errors.New("iteration budget exhausted")

// StepError wraps a failure with the step it happened in.
type StepError struct {
	StepOrdinal int
	StepTitle   string
	Err         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.StepOrdinal, e.StepTitle, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
