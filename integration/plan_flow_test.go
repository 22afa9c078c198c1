//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/step-orchestrator/internal/agent"
	"github.com/hochfrequenz/step-orchestrator/internal/approvals"
	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	"github.com/hochfrequenz/step-orchestrator/internal/engine"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
	"github.com/hochfrequenz/step-orchestrator/internal/gitops"
	"github.com/hochfrequenz/step-orchestrator/internal/planfile"
	"github.com/hochfrequenz/step-orchestrator/internal/prompts"
	"github.com/hochfrequenz/step-orchestrator/internal/store"
)

// passChecks reports every commit as green without polling anything.
type passChecks struct{}

func (passChecks) Wait(ctx context.Context, branch, sha string) (bool, string, error) {
	return true, sha, nil
}

// storePlan parses a plan document and persists the plan and its steps,
// the same way the run command does.
func storePlan(t *testing.T, st *store.Store, path string) *domain.Plan {
	t.Helper()
	doc, err := planfile.ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	plan := &domain.Plan{ID: "it-plan", PlanPath: path, WorkDir: doc.Meta.WorkDir}
	if err := st.CreatePlan(plan); err != nil {
		t.Fatal(err)
	}
	for _, ps := range doc.Steps {
		step := &domain.Step{PlanID: plan.ID, Ordinal: ps.Number, Title: ps.Title, Status: domain.StepPending}
		if err := st.CreateStep(step); err != nil {
			t.Fatal(err)
		}
	}
	return plan
}

func newTestEngine(t *testing.T, st *store.Store, workDir, implementer, reviewer string) *engine.Engine {
	t.Helper()
	spool, err := approvals.NewSpool(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return engine.New(
		st,
		agent.NewClaudeRunner(implementer),
		agent.NewCodexRunner(reviewer),
		passChecks{},
		gitops.NewRepo(workDir),
		spool,
		events.NewHub(),
		prompts.NewLoader(),
		engine.Options{MaxIterations: 3, AgentTimeout: time.Minute},
	)
}

// TestPlanFlow_EndToEnd drives two steps through real subprocess agents
// committing to a real git repository, with a real sqlite store.
func TestPlanFlow_EndToEnd(t *testing.T) {
	workDir := initGitRepo(t)

	implementer := writeScript(t, `echo work >> changes.txt
git add -A
git commit -qm "implement step"`)
	reviewer := writeScript(t, `echo '{"type":"review","verdict":"pass"}'`)

	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	plan := storePlan(t, st, writePlanFile(t, workDir, "Add parser", "Wire endpoint"))
	eng := newTestEngine(t, st, workDir, implementer, reviewer)

	if err := eng.Run(context.Background(), plan.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	state, err := st.PlanState(plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ss := range state.Steps {
		if ss.Step.Status != domain.StepCompleted {
			t.Errorf("step %d status = %q, want completed", ss.Step.Ordinal, ss.Step.Status)
		}
		latest := ss.LatestIteration()
		if latest == nil {
			t.Fatalf("step %d has no iterations", ss.Step.Ordinal)
		}
		it := latest.Iteration
		if it.BuildOutcome != domain.BuildPassed || it.ReviewOutcome != domain.ReviewPassed {
			t.Errorf("step %d outcomes = %s/%s", ss.Step.Ordinal, it.BuildOutcome, it.ReviewOutcome)
		}
		if len(it.CommitSHA) != 40 {
			t.Errorf("step %d commit = %q, want full SHA", ss.Step.Ordinal, it.CommitSHA)
		}
	}

	// One commit per step landed on top of the initial one
	log := run(t, workDir, "git", "log", "--oneline")
	if got := len(strings.Split(strings.TrimSpace(log), "\n")); got != 3 {
		t.Errorf("commit count = %d, want 3\n%s", got, log)
	}
}

// TestPlanFlow_ReviewRetry exercises the review_fix loop: the reviewer
// fails the first iteration and passes the second.
func TestPlanFlow_ReviewRetry(t *testing.T) {
	workDir := initGitRepo(t)
	marker := filepath.Join(t.TempDir(), "reviewed")

	implementer := writeScript(t, `echo work >> changes.txt
git add -A
git commit -qm "implement step"`)
	reviewer := writeScript(t, `if [ -f `+marker+` ]; then
  echo '{"type":"review","verdict":"pass"}'
else
  touch `+marker+`
  echo '{"type":"review","verdict":"fail","issues":[{"type":"codex_review","description":"missing error check","file":"changes.txt","severity":"warning"}]}'
fi`)

	st, err := store.New(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	plan := storePlan(t, st, writePlanFile(t, workDir, "Add parser"))
	eng := newTestEngine(t, st, workDir, implementer, reviewer)

	if err := eng.Run(context.Background(), plan.ID); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	state, err := st.PlanState(plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	ss := state.Steps[0]
	if ss.Step.Status != domain.StepCompleted {
		t.Fatalf("step status = %q, want completed", ss.Step.Status)
	}
	if len(ss.Iterations) != 2 {
		t.Fatalf("iterations = %d, want 2", len(ss.Iterations))
	}
	if kind := ss.Iterations[1].Iteration.Kind; kind != domain.KindReviewFix {
		t.Errorf("second iteration kind = %q, want review_fix", kind)
	}
	if open := ss.OpenIssues(domain.IssueCodexReview); len(open) != 0 {
		t.Errorf("open review issues after pass = %d, want 0", len(open))
	}
}

// TestPlanFlow_BudgetExhausted verifies a persistently failing reviewer
// fails the step once the iteration budget is used up and leaves later
// steps untouched.
func TestPlanFlow_BudgetExhausted(t *testing.T) {
	workDir := initGitRepo(t)

	implementer := writeScript(t, `echo work >> changes.txt
git add -A
git commit -qm "implement step"`)
	reviewer := writeScript(t, `echo '{"type":"review","verdict":"fail","issues":[{"type":"codex_review","description":"still wrong","severity":"error"}]}'`)

	st, err := store.New(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	plan := storePlan(t, st, writePlanFile(t, workDir, "Add parser", "Wire endpoint"))
	eng := newTestEngine(t, st, workDir, implementer, reviewer)

	err = eng.Run(context.Background(), plan.ID)
	if err == nil {
		t.Fatal("Run() succeeded, want budget exhaustion")
	}
	if !strings.Contains(err.Error(), "iteration budget exhausted") {
		t.Errorf("error = %v", err)
	}

	state, err := st.PlanState(plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Steps[0].Step.Status != domain.StepFailed {
		t.Errorf("step 1 status = %q, want failed", state.Steps[0].Step.Status)
	}
	if state.Steps[1].Step.Status != domain.StepPending {
		t.Errorf("step 2 status = %q, want pending", state.Steps[1].Step.Status)
	}
}
