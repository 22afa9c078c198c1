package agent

import (
	"fmt"
	"time"
)

// TimeoutError reports that an agent subprocess exceeded its deadline
// and was killed.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.After)
}

// ExitError reports a non-zero agent exit. Output carries the tail of
// combined stdout/stderr for diagnosis.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}
