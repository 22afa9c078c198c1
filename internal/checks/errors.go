package checks

import (
	"fmt"
	"time"
)

// TimeoutError reports that the wait budget elapsed without a
// definitive CI result. Distinct from a check failure: it means the CI
// system itself is stuck, so the engine treats it as fatal rather than
// burning retry budget on it.
type TimeoutError struct {
	SHA    string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no definitive CI result for %s after %s", shortSHA(e.SHA), e.Waited)
}

// MergeConflictError reports that the pull request cannot be merged,
// which blocks CI from running at all. No agent action can fix it, so
// the engine surfaces it and stops retrying immediately.
type MergeConflictError struct {
	PRNumber int
	Branch   string
	Base     string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("PR #%d (%s into %s) has merge conflicts; CI will not run", e.PRNumber, e.Branch, e.Base)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
