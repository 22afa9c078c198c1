// Package engine drives plan execution: one step at a time, each step
// through implementation, CI verification and review iterations until
// the step is clean or the iteration budget is exhausted. All state
// transitions are persisted before the next phase starts, so a crash
// mid-step is recoverable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/step-orchestrator/internal/agent"
	"github.com/hochfrequenz/step-orchestrator/internal/approvals"
	"github.com/hochfrequenz/step-orchestrator/internal/checks"
	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
	"github.com/hochfrequenz/step-orchestrator/internal/prompts"
	"github.com/hochfrequenz/step-orchestrator/internal/store"
)

// sessionNamespace makes iteration session IDs deterministic, so a
// re-invocation of the same iteration resumes the same agent session.
var sessionNamespace = uuid.MustParse("7f1e8a52-3c4d-4b6e-9a0f-2d5c8e7b1a93")

// Checks is the CI wait surface the engine consumes. A fresh tracker
// is constructed per call; trackedSHA reports the commit the wait
// actually settled on, which can be newer than sha.
type Checks interface {
	Wait(ctx context.Context, branch, sha string) (passed bool, trackedSHA string, err error)
}

// Git is the read-only repository surface the engine consumes.
type Git interface {
	Head() (string, error)
	IsClean() (bool, error)
	CurrentBranch() (string, error)
}

// ApprovalQueue is where permission requests go to wait for an operator.
type ApprovalQueue interface {
	Submit(req approvals.Request) error
	Await(ctx context.Context, id string) (*approvals.Decision, error)
}

// Options tune engine behavior.
type Options struct {
	// MaxIterations bounds all iteration kinds combined per step.
	MaxIterations int
	// AgentTimeout bounds each agent invocation.
	AgentTimeout time.Duration
	// LogsDir receives per-iteration transcript files.
	LogsDir string
}

// Engine executes plans.
type Engine struct {
	store       *store.Store
	implementer agent.Runner
	reviewer    agent.Runner
	checks      Checks
	git         Git
	approvals   ApprovalQueue
	hub         *events.Hub
	prompts     *prompts.Loader
	opts        Options

	stop *StopSignal
}

// New creates an engine. hub may be shared with API/TUI consumers.
func New(st *store.Store, implementer, reviewer agent.Runner, checks Checks, git Git, approvalQueue ApprovalQueue, hub *events.Hub, loader *prompts.Loader, opts Options) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 3
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 30 * time.Minute
	}
	return &Engine{
		store:       st,
		implementer: implementer,
		reviewer:    reviewer,
		checks:      checks,
		git:         git,
		approvals:   approvalQueue,
		hub:         hub,
		prompts:     loader,
		opts:        opts,
		stop:        &StopSignal{},
	}
}

// StopSignal returns the engine's stop signal for wiring to SIGINT or
// the API's stop endpoint.
func (e *Engine) StopSignal() *StopSignal { return e.stop }

// Stop requests a stop after the current step finishes.
func (e *Engine) Stop() { e.stop.RequestStop() }

// Snapshot returns the plan's full execution state, read-only.
func (e *Engine) Snapshot(planID string) (*domain.PlanState, error) {
	return e.store.PlanState(planID)
}

// Run starts or resumes execution of a plan and blocks until the plan
// completes, fails, or a requested stop is honored.
func (e *Engine) Run(ctx context.Context, planID string) error {
	state, err := e.store.PlanState(planID)
	if err != nil {
		return fmt.Errorf("loading plan %s: %w", planID, err)
	}
	plan := state.Plan

	e.publish(events.Event{Type: events.TypePlanStarted, PlanID: planID})

	for _, stepState := range state.Steps {
		step := stepState.Step
		if step.Status == domain.StepCompleted {
			continue
		}
		if step.Status == domain.StepFailed {
			// A previously failed step blocks the plan; the operator
			// has to reset it before resuming.
			err := fmt.Errorf("step %d already failed; cannot resume past it", step.Ordinal)
			e.publish(events.Event{Type: events.TypePlanFailed, PlanID: planID, Message: err.Error()})
			return err
		}

		if err := e.runStep(ctx, plan, stepState); err != nil {
			e.publish(events.Event{Type: events.TypePlanFailed, PlanID: planID, StepID: step.ID, Message: err.Error()})
			return &StepError{StepOrdinal: step.Ordinal, StepTitle: step.Title, Err: err}
		}

		if e.stop.Requested() {
			e.stop.markTriggered()
			e.publish(events.Event{Type: events.TypeStopRequested, PlanID: planID, StepID: step.ID,
				Message: fmt.Sprintf("stopped after step %d", step.Ordinal)})
			return nil
		}
	}

	e.publish(events.Event{Type: events.TypePlanCompleted, PlanID: planID})
	return nil
}

// runStep drives one step to a terminal status.
func (e *Engine) runStep(ctx context.Context, plan *domain.Plan, stepState *domain.StepState) error {
	step := stepState.Step

	if err := e.store.UpdateStepStatus(step.ID, domain.StepInProgress); err != nil {
		return err
	}
	step.Status = domain.StepInProgress
	e.publish(events.Event{Type: events.TypeStepStarted, PlanID: plan.ID, StepID: step.ID, Message: step.Title})

	branch, err := e.git.CurrentBranch()
	if err != nil {
		return fmt.Errorf("reading current branch: %w", err)
	}

	// Resume bookkeeping: a latest in_progress iteration means a prior
	// run died mid-step.
	cur, commitSHA, nextKind, err := e.resumeIteration(ctx, plan, stepState)
	if err != nil {
		return e.failStep(plan, step, err)
	}

	for {
		if cur == nil {
			count, err := e.store.NextIterationOrdinal(step.ID)
			if err != nil {
				return e.failStep(plan, step, err)
			}
			if count > e.opts.MaxIterations {
				return e.failStep(plan, step, fmt.Errorf("%w after %d iterations", ErrBudgetExhausted, count-1))
			}

			cur = &domain.Iteration{
				StepID:      step.ID,
				Ordinal:     count,
				Kind:        nextKind,
				Status:      domain.IterInProgress,
				Implementer: e.implementer.Name(),
			}
			if err := e.store.CreateIteration(cur); err != nil {
				return e.failStep(plan, step, err)
			}
			e.publish(events.Event{Type: events.TypeIterationStarted, PlanID: plan.ID, StepID: step.ID,
				Message: fmt.Sprintf("iteration %d (%s)", cur.Ordinal, cur.Kind)})

			prompt, err := e.promptFor(plan, step, nextKind)
			if err != nil {
				return e.failStep(plan, step, err)
			}

			commitSHA, err = e.invokeImplementer(ctx, plan, step, cur, prompt)
			if err != nil {
				if ferr := e.failIteration(cur); ferr != nil {
					return e.failStep(plan, step, ferr)
				}
				if isFatal(err) {
					return e.failStep(plan, step, err)
				}
				// Agent failure (exit, timeout, denial, no commit):
				// retry with a fresh iteration of the same kind
				log.Printf("engine: step %d iteration %d: %v (retrying)", step.Ordinal, cur.Ordinal, err)
				cur = nil
				continue
			}
		}

		// Build verification
		passed, err := e.verifyBuild(ctx, plan, step, cur, branch, commitSHA)
		if err != nil {
			return e.failStep(plan, step, err)
		}
		if !passed {
			cur, nextKind = nil, domain.KindBuildFix
			continue
		}

		// Review
		verdictPassed, err := e.review(ctx, plan, step, cur)
		if err != nil {
			return e.failStep(plan, step, err)
		}
		if !verdictPassed {
			cur, nextKind = nil, domain.KindReviewFix
			continue
		}

		if err := e.store.UpdateStepStatus(step.ID, domain.StepCompleted); err != nil {
			return err
		}
		step.Status = domain.StepCompleted
		e.publish(events.Event{Type: events.TypeStepCompleted, PlanID: plan.ID, StepID: step.ID, Message: step.Title})
		return nil
	}
}

// resumeIteration inspects a latest in_progress iteration left behind
// by an interrupted run and decides how to continue. It returns the
// iteration to keep working on (nil to create a fresh one), the commit
// to verify (empty if implementation is still owed), and the kind a
// fresh iteration should have.
func (e *Engine) resumeIteration(ctx context.Context, plan *domain.Plan, stepState *domain.StepState) (*domain.Iteration, string, domain.IterationKind, error) {
	latest := stepState.LatestIteration()
	if latest == nil || latest.Iteration.Status != domain.IterInProgress {
		return nil, "", domain.KindImplementation, nil
	}
	it := latest.Iteration
	step := stepState.Step

	clean, err := e.git.IsClean()
	if err != nil {
		return nil, "", "", fmt.Errorf("checking working tree: %w", err)
	}

	if !clean {
		// Uncommitted work from the interrupted run: ask the agent to
		// finish it as a new commit on the same iteration.
		prompt, err := e.prompts.BuildContinuePrompt(prompts.ContinueData{StepTitle: step.Title, StepBody: step.Title})
		if err != nil {
			return nil, "", "", err
		}
		commit, err := e.invokeImplementer(ctx, plan, step, it, prompt)
		if err != nil {
			if ferr := e.failIteration(it); ferr != nil {
				return nil, "", "", ferr
			}
			if isFatal(err) {
				return nil, "", "", err
			}
			return nil, "", it.Kind, nil
		}
		return it, commit, it.Kind, nil
	}

	if it.CommitSHA != "" {
		// The commit landed before the crash; pick up at verification
		return it, it.CommitSHA, it.Kind, nil
	}

	// Clean tree, no commit: nothing to salvage
	it.Status = domain.IterAborted
	if err := e.store.UpdateIteration(it); err != nil {
		return nil, "", "", err
	}
	return nil, "", it.Kind, nil
}

// invokeImplementer runs the implementing agent for one iteration,
// handling the permission-request loop: a structured request pauses the
// run until the operator decides, then re-invokes the SAME iteration.
func (e *Engine) invokeImplementer(ctx context.Context, plan *domain.Plan, step *domain.Step, it *domain.Iteration, prompt string) (string, error) {
	req := agent.Request{
		WorkDir:      plan.WorkDir,
		Prompt:       prompt,
		Timeout:      e.opts.AgentTimeout,
		ExpectCommit: true,
		SessionID:    e.sessionID(plan.ID, step.Ordinal, it.Ordinal),
		Transcript:   e.transcriptPath(plan.ID, step.Ordinal, it.Ordinal, "implement"),
	}
	it.Transcript = req.Transcript

	for {
		res, err := e.implementer.Run(ctx, req)
		if err != nil {
			return "", fmt.Errorf("implementer: %w", err)
		}

		perm, ok := agent.PermissionFromOutput(res.Output)
		if !ok {
			if res.CommitSHA == "" {
				return "", fmt.Errorf("implementer finished without committing")
			}
			it.CommitSHA = res.CommitSHA
			if err := e.store.UpdateIteration(it); err != nil {
				return "", err
			}
			return res.CommitSHA, nil
		}

		approved, err := e.handlePermissionRequest(ctx, plan, step, it, perm)
		if err != nil {
			return "", err
		}
		if !approved {
			return "", fmt.Errorf("permission denied by operator: %s", perm.Reason)
		}
		// Approved: permissions granted, ask the same iteration again
	}
}

func (e *Engine) handlePermissionRequest(ctx context.Context, plan *domain.Plan, step *domain.Step, it *domain.Iteration, perm *agent.PermissionRequest) (bool, error) {
	issue := &domain.Issue{
		IterationID: it.ID,
		Type:        domain.IssuePermissionRequest,
		Description: fmt.Sprintf("%s: %s", perm.Tool, perm.Reason),
		Status:      domain.IssueOpen,
	}
	if err := e.store.CreateIssue(issue); err != nil {
		return false, err
	}

	reqID := uuid.NewSHA1(sessionNamespace, []byte(fmt.Sprintf("perm/%s/%d/%d/%d", plan.ID, step.Ordinal, it.Ordinal, issue.ID))).String()
	if err := e.approvals.Submit(approvals.Request{
		ID:      reqID,
		PlanID:  plan.ID,
		StepID:  step.ID,
		Tool:    perm.Tool,
		Command: perm.Command,
		Reason:  perm.Reason,
	}); err != nil {
		return false, fmt.Errorf("submitting permission request: %w", err)
	}
	e.publish(events.Event{Type: events.TypePermissionAsked, PlanID: plan.ID, StepID: step.ID,
		Message: perm.Reason, Data: map[string]string{"id": reqID, "tool": perm.Tool, "command": perm.Command}})

	dec, err := e.approvals.Await(ctx, reqID)
	if err != nil {
		return false, fmt.Errorf("waiting for permission decision: %w", err)
	}
	if err := e.store.UpdateIssueStatus(issue.ID, domain.IssueFixed); err != nil {
		return false, err
	}
	if !dec.Approved {
		return false, nil
	}
	if err := e.implementer.GrantPermissions(plan.WorkDir); err != nil {
		return false, fmt.Errorf("granting permissions: %w", err)
	}
	return true, nil
}

// verifyBuild waits for CI on the iteration's commit. False means a
// plain check failure that feeds the retry loop; merge conflicts and CI
// timeouts come back as errors and abort the run.
func (e *Engine) verifyBuild(ctx context.Context, plan *domain.Plan, step *domain.Step, it *domain.Iteration, branch, commitSHA string) (bool, error) {
	it.BuildOutcome = domain.BuildInProgress
	if err := e.store.UpdateIteration(it); err != nil {
		return false, err
	}

	passed, tracked, err := e.checks.Wait(ctx, branch, commitSHA)
	if err != nil {
		var conflict *checks.MergeConflictError
		if errors.As(err, &conflict) {
			it.BuildOutcome = domain.BuildMergeConflict
			it.Status = domain.IterFailed
			if uerr := e.store.UpdateIteration(it); uerr != nil {
				return false, uerr
			}
			if cerr := e.store.CreateIssue(&domain.Issue{
				IterationID: it.ID,
				Type:        domain.IssueMergeConflict,
				Description: conflict.Error(),
				Status:      domain.IssueOpen,
			}); cerr != nil {
				return false, cerr
			}
		}
		return false, fmt.Errorf("verifying commit %s: %w", commitSHA, err)
	}

	if tracked != "" && tracked != it.CommitSHA {
		// The PR head superseded our commit and CI ran against it
		it.CommitSHA = tracked
	}

	if !passed {
		it.BuildOutcome = domain.BuildFailed
		it.Status = domain.IterFailed
		if err := e.store.UpdateIteration(it); err != nil {
			return false, err
		}
		if err := e.store.CreateIssue(&domain.Issue{
			IterationID: it.ID,
			Type:        domain.IssueCIFailure,
			Description: fmt.Sprintf("CI checks failed for commit %s", it.CommitSHA),
			Status:      domain.IssueOpen,
		}); err != nil {
			return false, err
		}
		e.publish(events.Event{Type: events.TypeIterationFinished, PlanID: plan.ID, StepID: step.ID,
			Message: fmt.Sprintf("iteration %d: CI failed", it.Ordinal)})
		return false, nil
	}

	it.BuildOutcome = domain.BuildPassed
	if err := e.store.UpdateIteration(it); err != nil {
		return false, err
	}
	return true, nil
}

// review runs the reviewing agent on the iteration's commit and applies
// the verdict: pass completes the iteration and marks the step's open
// review issues fixed; fail records one issue per finding and marks
// previously open issues fixed unless a new finding matches them.
func (e *Engine) review(ctx context.Context, plan *domain.Plan, step *domain.Step, it *domain.Iteration) (bool, error) {
	it.ReviewOutcome = domain.ReviewInProgress
	it.Reviewer = e.reviewer.Name()
	it.ReviewTranscript = e.transcriptPath(plan.ID, step.Ordinal, it.Ordinal, "review")
	if err := e.store.UpdateIteration(it); err != nil {
		return false, err
	}

	prompt, err := e.prompts.BuildReviewPrompt(prompts.ReviewData{
		StepTitle: step.Title,
		StepBody:  step.Title,
		CommitSHA: it.CommitSHA,
	})
	if err != nil {
		return false, err
	}

	var review agent.Review
	res, err := e.reviewer.Run(ctx, agent.Request{
		WorkDir:    plan.WorkDir,
		Prompt:     prompt,
		Timeout:    e.opts.AgentTimeout,
		Transcript: it.ReviewTranscript,
	})
	if err != nil {
		if isFatal(err) {
			return false, fmt.Errorf("reviewer: %w", err)
		}
		// A broken reviewer never waves a change through
		review = agent.Review{
			Verdict: agent.VerdictFail,
			Issues: []agent.Finding{{
				Type:        string(domain.IssueCodexReview),
				Description: fmt.Sprintf("reviewer failed: %v", err),
				Severity:    string(domain.SeverityError),
			}},
		}
	} else {
		review = agent.ReviewFromOutput(res.Output)
	}

	e.publish(events.Event{Type: events.TypeReviewVerdict, PlanID: plan.ID, StepID: step.ID,
		Message: string(review.Verdict)})

	openIssues, err := e.openReviewIssues(step.ID)
	if err != nil {
		return false, err
	}

	if review.Verdict == agent.VerdictPass {
		for _, issue := range openIssues {
			if err := e.store.UpdateIssueStatus(issue.ID, domain.IssueFixed); err != nil {
				return false, err
			}
		}
		it.ReviewOutcome = domain.ReviewPassed
		it.Status = domain.IterCompleted
		if err := e.store.UpdateIteration(it); err != nil {
			return false, err
		}
		e.publish(events.Event{Type: events.TypeIterationFinished, PlanID: plan.ID, StepID: step.ID,
			Message: fmt.Sprintf("iteration %d: review passed", it.Ordinal)})
		return true, nil
	}

	// An open issue is fixed unless a new finding matches its file and
	// description; no fuzzier matching is attempted.
	for _, issue := range openIssues {
		matched := false
		for _, f := range review.Issues {
			if f.File == issue.File && f.Description == issue.Description {
				matched = true
				break
			}
		}
		if !matched {
			if err := e.store.UpdateIssueStatus(issue.ID, domain.IssueFixed); err != nil {
				return false, err
			}
		}
	}

	for _, f := range review.Issues {
		if err := e.store.CreateIssue(&domain.Issue{
			IterationID: it.ID,
			Type:        domain.IssueCodexReview,
			Description: f.Description,
			File:        f.File,
			Line:        f.Line,
			Severity:    domain.SeverityFrom(f.Severity),
			Status:      domain.IssueOpen,
		}); err != nil {
			return false, err
		}
	}

	it.ReviewOutcome = domain.ReviewFailed
	it.Status = domain.IterFailed
	if err := e.store.UpdateIteration(it); err != nil {
		return false, err
	}
	e.publish(events.Event{Type: events.TypeIterationFinished, PlanID: plan.ID, StepID: step.ID,
		Message: fmt.Sprintf("iteration %d: review failed with %d findings", it.Ordinal, len(review.Issues))})
	return false, nil
}

// promptFor builds the implementer prompt for an iteration kind.
func (e *Engine) promptFor(plan *domain.Plan, step *domain.Step, kind domain.IterationKind) (string, error) {
	switch kind {
	case domain.KindBuildFix:
		issues, err := e.formatOpenIssues(step.ID, domain.IssueCIFailure)
		if err != nil {
			return "", err
		}
		return e.prompts.BuildBuildFixPrompt(prompts.FixData{StepTitle: step.Title, Issues: issues})
	case domain.KindReviewFix:
		issues, err := e.formatOpenIssues(step.ID, domain.IssueCodexReview)
		if err != nil {
			return "", err
		}
		return e.prompts.BuildReviewFixPrompt(prompts.FixData{StepTitle: step.Title, Issues: issues})
	default:
		return e.prompts.BuildImplementPrompt(prompts.StepData{
			PlanTitle: filepath.Base(plan.PlanPath),
			StepTitle: step.Title,
			StepBody:  step.Title,
		})
	}
}

// openReviewIssues collects the step's open codex_review issues across
// all its iterations.
func (e *Engine) openReviewIssues(stepID int64) ([]*domain.Issue, error) {
	return e.openIssues(stepID, domain.IssueCodexReview)
}

func (e *Engine) openIssues(stepID int64, t domain.IssueType) ([]*domain.Issue, error) {
	iterations, err := e.store.IterationsByStep(stepID)
	if err != nil {
		return nil, err
	}
	var open []*domain.Issue
	for _, it := range iterations {
		issues, err := e.store.IssuesByIteration(it.ID)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			if issue.Status == domain.IssueOpen && issue.Type == t {
				open = append(open, issue)
			}
		}
	}
	return open, nil
}

func (e *Engine) formatOpenIssues(stepID int64, t domain.IssueType) (string, error) {
	issues, err := e.openIssues(stepID, t)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, issue := range issues {
		b.WriteString("- ")
		if issue.File != "" {
			fmt.Fprintf(&b, "%s", issue.File)
			if issue.Line > 0 {
				fmt.Fprintf(&b, ":%d", issue.Line)
			}
			b.WriteString(": ")
		}
		b.WriteString(issue.Description)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (e *Engine) failIteration(it *domain.Iteration) error {
	it.Status = domain.IterFailed
	return e.store.UpdateIteration(it)
}

func (e *Engine) failStep(plan *domain.Plan, step *domain.Step, err error) error {
	if uerr := e.store.UpdateStepStatus(step.ID, domain.StepFailed); uerr != nil {
		return fmt.Errorf("%v (additionally: %w)", err, uerr)
	}
	step.Status = domain.StepFailed
	e.publish(events.Event{Type: events.TypeStepFailed, PlanID: plan.ID, StepID: step.ID, Message: err.Error()})
	return err
}

// isFatal reports whether an agent/checks error must abort the run
// instead of feeding the retry loop.
func isFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var checksTimeout *checks.TimeoutError
	return errors.As(err, &checksTimeout)
}

func (e *Engine) sessionID(planID string, stepOrdinal, iterOrdinal int) string {
	return uuid.NewSHA1(sessionNamespace, []byte(fmt.Sprintf("%s/%d/%d", planID, stepOrdinal, iterOrdinal))).String()
}

func (e *Engine) transcriptPath(planID string, stepOrdinal, iterOrdinal int, phase string) string {
	if e.opts.LogsDir == "" {
		return ""
	}
	dir := filepath.Join(e.opts.LogsDir, planID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("engine: creating transcript dir: %v", err)
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("step-%d-iter-%d-%s.log", stepOrdinal, iterOrdinal, phase))
}

func (e *Engine) publish(ev events.Event) {
	if e.hub != nil {
		e.hub.Publish(ev)
	}
}
