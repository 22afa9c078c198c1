package domain

import "time"

// Plan represents one execution run over a plan document.
// Plans are created once and are immutable; execution state lives in
// the steps, iterations and issues that hang off them.
type Plan struct {
	ID        string
	PlanPath  string
	WorkDir   string
	RepoOwner string
	RepoName  string
	CreatedAt time.Time
}

// Step is one numbered unit of plan work.
type Step struct {
	ID      int64
	PlanID  string
	Ordinal int
	Title   string
	Status  StepStatus
}

// Terminal returns true if the step has reached a final status.
func (s *Step) Terminal() bool {
	return s.Status == StepCompleted || s.Status == StepFailed
}

// Iteration is one attempt at a phase within a step. Ordinals are
// contiguous starting at 1 and exactly one iteration is in_progress
// per step at a time.
type Iteration struct {
	ID               int64
	StepID           int64
	Ordinal          int
	Kind             IterationKind
	Status           IterationStatus
	BuildOutcome     BuildOutcome
	ReviewOutcome    ReviewOutcome
	CommitSHA        string
	Implementer      string
	Reviewer         string
	Transcript       string
	ReviewTranscript string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Issue is one reviewer- or CI-reported defect tied to an iteration.
type Issue struct {
	ID          int64
	IterationID int64
	Type        IssueType
	Description string
	File        string
	Line        int
	Severity    Severity
	Status      IssueStatus
	CreatedAt   time.Time
}
