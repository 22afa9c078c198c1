package checks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/step-orchestrator/internal/github"
)

// fakeProvider scripts one response per poll; the last entry of each
// slice repeats once consumed.
type fakeProvider struct {
	prs     []*github.PullRequest
	runs    [][]github.CheckRun
	suites  [][]github.CheckSuite
	compare []github.CompareStatus

	compareErr   error
	runsErr      error
	runsErrPolls int // return runsErr for the first N CheckRuns calls
	mergeable    github.Mergeable

	prCalls, runCalls, suiteCalls, compareCalls, mergeableCalls int
}

func takePR(s []*github.PullRequest, i int) *github.PullRequest {
	if len(s) == 0 {
		return nil
	}
	if i >= len(s) {
		return s[len(s)-1]
	}
	return s[i]
}

func (f *fakeProvider) OpenPR(ctx context.Context, branch string) (*github.PullRequest, error) {
	pr := takePR(f.prs, f.prCalls)
	f.prCalls++
	return pr, nil
}

func (f *fakeProvider) MergeableState(ctx context.Context, prNumber int) (github.Mergeable, error) {
	f.mergeableCalls++
	if f.mergeable == "" {
		return github.Mergeable_UNKNOWN, nil
	}
	return f.mergeable, nil
}

func (f *fakeProvider) CheckRuns(ctx context.Context, sha string) ([]github.CheckRun, error) {
	i := f.runCalls
	f.runCalls++
	if f.runsErr != nil && i < f.runsErrPolls {
		return nil, f.runsErr
	}
	if len(f.runs) == 0 {
		return nil, nil
	}
	if i >= len(f.runs) {
		return f.runs[len(f.runs)-1], nil
	}
	return f.runs[i], nil
}

func (f *fakeProvider) CheckSuites(ctx context.Context, sha string) ([]github.CheckSuite, error) {
	i := f.suiteCalls
	f.suiteCalls++
	if len(f.suites) == 0 {
		return nil, nil
	}
	if i >= len(f.suites) {
		return f.suites[len(f.suites)-1], nil
	}
	return f.suites[i], nil
}

func (f *fakeProvider) CompareCommits(ctx context.Context, base, head string) (github.CompareStatus, error) {
	i := f.compareCalls
	f.compareCalls++
	if f.compareErr != nil {
		return "", f.compareErr
	}
	if len(f.compare) == 0 {
		return github.CompareIdentical, nil
	}
	if i >= len(f.compare) {
		return f.compare[len(f.compare)-1], nil
	}
	return f.compare[i], nil
}

type fakeGit struct {
	ancestor bool
	err      error
	calls    int
}

func (g *fakeGit) IsAncestor(ancestor, descendant string) (bool, error) {
	g.calls++
	return g.ancestor, g.err
}

// fastSleeper records delays without sleeping.
type fastSleeper struct {
	delays []time.Duration
}

func (s *fastSleeper) Sleep(d time.Duration) { s.delays = append(s.delays, d) }

func newTestTracker(p Provider, g GitReader, maxWait time.Duration) (*Tracker, *fastSleeper) {
	s := &fastSleeper{}
	t := NewTracker(p, g, "step-branch", maxWait, WithInterval(5*time.Second), WithSleeper(s))
	return t, s
}

func completedRun(name, sha, conclusion string) github.CheckRun {
	return github.CheckRun{Name: name, HeadSHA: sha, Status: "completed", Conclusion: conclusion}
}

func TestWait_AllPass(t *testing.T) {
	p := &fakeProvider{
		prs:  []*github.PullRequest{{Number: 1, HeadSHA: "sha1", BaseBranch: "main"}},
		runs: [][]github.CheckRun{{completedRun("build", "sha1", "success"), completedRun("lint", "sha1", "skipped")}},
		suites: [][]github.CheckSuite{{
			{ID: 1, Status: "completed", Conclusion: "success"},
			{ID: 2, Status: "completed", Conclusion: "neutral"},
		}},
	}
	tr, sl := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Error("Wait() = false, want true")
	}
	if len(sl.delays) != 0 {
		t.Errorf("slept %d times before first poll, want 0", len(sl.delays))
	}
	if tr.TrackedSHA() != "sha1" {
		t.Errorf("TrackedSHA() = %q, want sha1", tr.TrackedSHA())
	}
}

func TestWait_RunFailure(t *testing.T) {
	p := &fakeProvider{
		prs:  []*github.PullRequest{{Number: 1, HeadSHA: "sha1"}},
		runs: [][]github.CheckRun{{completedRun("build", "sha1", "success"), completedRun("test", "sha1", "failure")}},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if passed {
		t.Error("Wait() = true with a failed run")
	}
}

func TestWait_ActionRequiredSuiteFails(t *testing.T) {
	p := &fakeProvider{
		prs:    []*github.PullRequest{{Number: 1, HeadSHA: "sha1"}},
		runs:   [][]github.CheckRun{{completedRun("build", "sha1", "success")}},
		suites: [][]github.CheckSuite{{{ID: 1, Status: "completed", Conclusion: "action_required"}}},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if passed {
		t.Error("Wait() = true with action_required suite")
	}
}

func TestWait_ZeroSuitesPassesAfterOnePoll(t *testing.T) {
	p := &fakeProvider{
		prs:  []*github.PullRequest{{Number: 1, HeadSHA: "sha1"}},
		runs: [][]github.CheckRun{{completedRun("build", "sha1", "success")}},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Error("Wait() = false with passing runs and zero suites")
	}
	if p.suiteCalls != 1 {
		t.Errorf("suite polls = %d, want 1", p.suiteCalls)
	}
}

func TestWait_PollsUntilRunsComplete(t *testing.T) {
	p := &fakeProvider{
		prs: []*github.PullRequest{{Number: 1, HeadSHA: "sha1"}},
		runs: [][]github.CheckRun{
			{{Name: "build", HeadSHA: "sha1", Status: "queued"}},
			{{Name: "build", HeadSHA: "sha1", Status: "in_progress"}},
			{completedRun("build", "sha1", "success")},
		},
	}
	tr, sl := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Error("Wait() = false, want true once runs complete")
	}
	if p.runCalls != 3 {
		t.Errorf("run polls = %d, want 3", p.runCalls)
	}
	if len(sl.delays) != 2 {
		t.Errorf("sleeps = %d, want 2", len(sl.delays))
	}
	for _, d := range sl.delays {
		if d != 5*time.Second {
			t.Errorf("slept %s, want 5s", d)
		}
	}
}

func TestWait_PollsUntilSuitesComplete(t *testing.T) {
	p := &fakeProvider{
		prs:  []*github.PullRequest{{Number: 1, HeadSHA: "sha1"}},
		runs: [][]github.CheckRun{{completedRun("build", "sha1", "success")}},
		suites: [][]github.CheckSuite{
			{{ID: 1, Status: "queued"}},
			{{ID: 1, Status: "completed", Conclusion: "success"}},
		},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Error("Wait() = false, want true once suites complete")
	}
	if p.suiteCalls != 2 {
		t.Errorf("suite polls = %d, want 2", p.suiteCalls)
	}
}

func TestWait_SwitchesToAheadPRHead(t *testing.T) {
	p := &fakeProvider{
		prs:     []*github.PullRequest{{Number: 4, HeadSHA: "sha2"}},
		compare: []github.CompareStatus{github.CompareAhead},
		runs:    [][]github.CheckRun{{completedRun("build", "sha2", "success")}},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Error("Wait() = false after following PR head")
	}
	if tr.TrackedSHA() != "sha2" {
		t.Errorf("TrackedSHA() = %q, want sha2", tr.TrackedSHA())
	}
	// The switch must happen before the first check-run poll, so runs
	// for the stale commit are never consulted.
	if p.runCalls != 1 {
		t.Errorf("run polls = %d, want 1", p.runCalls)
	}
}

func TestWait_KeepsOriginalWhenHeadBehind(t *testing.T) {
	p := &fakeProvider{
		prs:     []*github.PullRequest{{Number: 4, HeadSHA: "sha0"}},
		compare: []github.CompareStatus{github.CompareBehind},
		runs:    [][]github.CheckRun{{completedRun("build", "sha1", "success")}},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed || tr.TrackedSHA() != "sha1" {
		t.Errorf("passed = %v, TrackedSHA = %q; want true, sha1", passed, tr.TrackedSHA())
	}
}

func TestWait_KeepsOriginalWhenDiverged(t *testing.T) {
	p := &fakeProvider{
		prs:     []*github.PullRequest{{Number: 4, HeadSHA: "shaX"}},
		compare: []github.CompareStatus{github.CompareDiverged},
		runs:    [][]github.CheckRun{{completedRun("build", "sha1", "success")}},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed || tr.TrackedSHA() != "sha1" {
		t.Errorf("passed = %v, TrackedSHA = %q; want true, sha1", passed, tr.TrackedSHA())
	}
}

func TestWait_CompareErrorFallsBackToGit(t *testing.T) {
	p := &fakeProvider{
		prs:        []*github.PullRequest{{Number: 4, HeadSHA: "sha2"}},
		compareErr: errors.New("api down"),
		runs:       [][]github.CheckRun{{completedRun("build", "sha2", "success")}},
	}
	g := &fakeGit{ancestor: true}
	tr, _ := newTestTracker(p, g, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed || tr.TrackedSHA() != "sha2" {
		t.Errorf("passed = %v, TrackedSHA = %q; want true, sha2", passed, tr.TrackedSHA())
	}
	if g.calls == 0 {
		t.Error("git fallback never consulted")
	}
}

func TestWait_CompareAndGitBothFailKeepsOriginal(t *testing.T) {
	p := &fakeProvider{
		prs:        []*github.PullRequest{{Number: 4, HeadSHA: "sha2"}},
		compareErr: errors.New("api down"),
		runs:       [][]github.CheckRun{{completedRun("build", "sha1", "success")}},
	}
	g := &fakeGit{err: errors.New("no such commit")}
	tr, _ := newTestTracker(p, g, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed || tr.TrackedSHA() != "sha1" {
		t.Errorf("passed = %v, TrackedSHA = %q; want true, sha1", passed, tr.TrackedSHA())
	}
}

func TestWait_MergeConflict(t *testing.T) {
	p := &fakeProvider{
		prs:       []*github.PullRequest{{Number: 7, HeadSHA: "sha1", BaseBranch: "main"}},
		mergeable: github.Mergeable_CONFLICTING,
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	_, err := tr.Wait(context.Background(), "sha1")
	var conflict *MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Wait() error = %v, want MergeConflictError", err)
	}
	if conflict.PRNumber != 7 || conflict.Base != "main" {
		t.Errorf("conflict = %+v", conflict)
	}
	// Short-circuit: no further polls after the conflict is detected
	if p.runCalls != 1 {
		t.Errorf("run polls = %d, want 1", p.runCalls)
	}
}

func TestWait_NoChecksNoConflictKeepsPolling(t *testing.T) {
	p := &fakeProvider{
		prs:       []*github.PullRequest{{Number: 7, HeadSHA: "sha1"}},
		mergeable: github.Mergeable_UNKNOWN,
	}
	tr, _ := newTestTracker(p, &fakeGit{}, 15*time.Second)

	_, err := tr.Wait(context.Background(), "sha1")
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Wait() error = %v, want TimeoutError", err)
	}
	if p.runCalls != 3 {
		t.Errorf("run polls = %d, want 3 for a 15s budget at 5s interval", p.runCalls)
	}
}

func TestWait_NoPRNoChecksTimesOut(t *testing.T) {
	p := &fakeProvider{}
	tr, _ := newTestTracker(p, &fakeGit{}, 10*time.Second)

	_, err := tr.Wait(context.Background(), "sha1")
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Wait() error = %v, want TimeoutError", err)
	}
	if timeout.SHA != "sha1" {
		t.Errorf("timeout.SHA = %q, want sha1", timeout.SHA)
	}
	if p.mergeableCalls != 0 {
		t.Errorf("mergeable polls = %d, want 0 without a PR", p.mergeableCalls)
	}
}

func TestWait_TransientErrorRetried(t *testing.T) {
	p := &fakeProvider{
		prs:          []*github.PullRequest{{Number: 1, HeadSHA: "sha1"}},
		runs:         [][]github.CheckRun{{completedRun("build", "sha1", "success")}},
		runsErr:      errors.New("rate limited"),
		runsErrPolls: 2,
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Error("Wait() = false after transient errors cleared")
	}
	if p.runCalls != 3 {
		t.Errorf("run polls = %d, want 3", p.runCalls)
	}
}

func TestWait_IgnoresRunsForOtherCommits(t *testing.T) {
	p := &fakeProvider{
		prs: []*github.PullRequest{{Number: 1, HeadSHA: "sha1"}},
		runs: [][]github.CheckRun{
			{completedRun("build", "stale", "failure")},
			{completedRun("build", "stale", "failure"), completedRun("build", "sha1", "success")},
		},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	passed, err := tr.Wait(context.Background(), "sha1")
	if err != nil {
		t.Fatal(err)
	}
	if !passed {
		t.Error("Wait() = false; stale-commit failure must not count")
	}
	if p.runCalls != 2 {
		t.Errorf("run polls = %d, want 2", p.runCalls)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakeProvider{}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	_, err := tr.Wait(ctx, "sha1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestWait_ProgressReported(t *testing.T) {
	p := &fakeProvider{
		prs: []*github.PullRequest{{Number: 1, HeadSHA: "sha1"}},
		runs: [][]github.CheckRun{
			{{Name: "build", HeadSHA: "sha1", Status: "in_progress"}},
			{completedRun("build", "sha1", "success")},
		},
	}
	tr, _ := newTestTracker(p, &fakeGit{}, time.Minute)

	var seen []Progress
	tr.OnProgress = func(pr Progress) { seen = append(seen, pr) }

	if _, err := tr.Wait(context.Background(), "sha1"); err != nil {
		t.Fatal(err)
	}
	if len(seen) < 2 {
		t.Fatalf("progress events = %d, want >= 2", len(seen))
	}
	if seen[0].Attempt != 1 || seen[0].TrackedSHA != "sha1" {
		t.Errorf("first progress = %+v", seen[0])
	}
}
