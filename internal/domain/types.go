package domain

// StepStatus represents the lifecycle state of a step
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// IterationKind identifies which phase an iteration attempts
type IterationKind string

const (
	KindImplementation IterationKind = "implementation"
	KindBuildFix       IterationKind = "build_fix"
	KindReviewFix      IterationKind = "review_fix"
)

// IterationStatus represents the execution state of an iteration
type IterationStatus string

const (
	IterInProgress IterationStatus = "in_progress"
	IterCompleted  IterationStatus = "completed"
	IterFailed     IterationStatus = "failed"
	IterAborted    IterationStatus = "aborted"
)

// BuildOutcome is the CI verdict for an iteration's commit.
// Empty means verification has not been recorded yet.
type BuildOutcome string

const (
	BuildPending       BuildOutcome = "pending"
	BuildInProgress    BuildOutcome = "in_progress"
	BuildPassed        BuildOutcome = "passed"
	BuildFailed        BuildOutcome = "failed"
	BuildMergeConflict BuildOutcome = "merge_conflict"
)

// ReviewOutcome is the reviewer verdict for an iteration's commit.
type ReviewOutcome string

const (
	ReviewPending    ReviewOutcome = "pending"
	ReviewInProgress ReviewOutcome = "in_progress"
	ReviewPassed     ReviewOutcome = "passed"
	ReviewFailed     ReviewOutcome = "failed"
)

// IssueType classifies where a finding came from
type IssueType string

const (
	IssueCIFailure         IssueType = "ci_failure"
	IssueCodexReview       IssueType = "codex_review"
	IssueMergeConflict     IssueType = "merge_conflict"
	IssuePermissionRequest IssueType = "permission_request"
)

// Severity of a review finding
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// SeverityFrom maps free-form reviewer severity wording onto the
// stored enum. Anything not recognizably mild counts as an error.
func SeverityFrom(s string) Severity {
	switch s {
	case string(SeverityWarning), "low", "medium", "minor", "info":
		return SeverityWarning
	default:
		return SeverityError
	}
}

// IssueStatus tracks whether a finding has been resolved
type IssueStatus string

const (
	IssueOpen  IssueStatus = "open"
	IssueFixed IssueStatus = "fixed"
)
