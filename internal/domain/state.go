package domain

// PlanState is a read-only snapshot of a plan's full execution state,
// assembled by the store for resumption and status reporting.
type PlanState struct {
	Plan  *Plan
	Steps []*StepState
}

// StepState pairs a step with its iterations.
type StepState struct {
	Step       *Step
	Iterations []*IterationState
}

// IterationState pairs an iteration with its issues.
type IterationState struct {
	Iteration *Iteration
	Issues    []*Issue
}

// LatestIteration returns the highest-ordinal iteration of the step,
// or nil if no iteration exists yet.
func (s *StepState) LatestIteration() *IterationState {
	if len(s.Iterations) == 0 {
		return nil
	}
	return s.Iterations[len(s.Iterations)-1]
}

// OpenIssues returns all open issues across the step's iterations,
// optionally filtered by type ("" matches all).
func (s *StepState) OpenIssues(t IssueType) []*Issue {
	var open []*Issue
	for _, it := range s.Iterations {
		for _, issue := range it.Issues {
			if issue.Status != IssueOpen {
				continue
			}
			if t != "" && issue.Type != t {
				continue
			}
			open = append(open, issue)
		}
	}
	return open
}

// NextPending returns the first step that is not yet terminal, or nil
// if every step is completed or failed.
func (p *PlanState) NextPending() *StepState {
	for _, s := range p.Steps {
		if !s.Step.Terminal() {
			return s
		}
	}
	return nil
}
