// Package checks determines pass/fail of remote CI for a commit,
// tolerating the commit being superseded by a newer push to the same
// pull request. The tracked commit lives on a per-wait Tracker value
// owned by the caller, never in package state.
package checks

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hochfrequenz/step-orchestrator/internal/github"
)

// Provider is the remote CI surface the tracker polls.
type Provider interface {
	OpenPR(ctx context.Context, branch string) (*github.PullRequest, error)
	MergeableState(ctx context.Context, prNumber int) (github.Mergeable, error)
	CheckRuns(ctx context.Context, sha string) ([]github.CheckRun, error)
	CheckSuites(ctx context.Context, sha string) ([]github.CheckSuite, error)
	CompareCommits(ctx context.Context, base, head string) (github.CompareStatus, error)
}

// GitReader is the local fallback for commit ancestry when the compare
// API fails.
type GitReader interface {
	IsAncestor(ancestor, descendant string) (bool, error)
}

// Sleeper abstracts the inter-poll delay so tests run instantly.
type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Progress is reported once per poll so observers can show attempt
// counters alongside the current tracked commit.
type Progress struct {
	Attempt    int
	TrackedSHA string
	Status     string
}

// Tracker waits for CI on one commit. Construct a fresh Tracker per
// wait call; the tracked SHA is queryable after completion.
type Tracker struct {
	provider Provider
	git      GitReader
	branch   string
	interval time.Duration
	maxWait  time.Duration
	sleeper  Sleeper

	// OnProgress, if set, is invoked once per poll.
	OnProgress func(Progress)

	trackedSHA string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval overrides the poll interval (default 5s).
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// WithSleeper injects a sleeper for tests.
func WithSleeper(s Sleeper) Option {
	return func(t *Tracker) { t.sleeper = s }
}

// NewTracker creates a tracker polling CI for commits on branch, giving
// up after maxWait.
func NewTracker(provider Provider, git GitReader, branch string, maxWait time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		provider: provider,
		git:      git,
		branch:   branch,
		interval: 5 * time.Second,
		maxWait:  maxWait,
		sleeper:  realSleeper{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TrackedSHA returns the commit the tracker ended up watching. It can
// differ from the requested commit when the PR head moved ahead of it.
func (t *Tracker) TrackedSHA() string {
	return t.trackedSHA
}

// Wait polls until CI for sha (or its successor on the PR) reaches a
// definitive result. Returns true iff every matching check-run
// concluded success or skipped and every check-suite concluded
// success, neutral or skipped. Fails with *MergeConflictError when the
// PR is unmergeable and *TimeoutError when the budget elapses.
func (t *Tracker) Wait(ctx context.Context, sha string) (bool, error) {
	t.trackedSHA = sha

	attempts := int(t.maxWait / t.interval)
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			t.sleeper.Sleep(t.interval)
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		done, passed, err := t.poll(ctx, attempt)
		if err != nil {
			var conflict *MergeConflictError
			if errors.As(err, &conflict) {
				return false, err
			}
			// Transient provider errors are retried within the budget
			log.Printf("checks: poll %d for %s: %v (retrying)", attempt, shortSHA(t.trackedSHA), err)
			continue
		}
		if done {
			return passed, nil
		}
	}

	return false, &TimeoutError{SHA: t.trackedSHA, Waited: t.maxWait}
}

// poll runs one pass of the protocol. done=false means keep polling.
func (t *Tracker) poll(ctx context.Context, attempt int) (done, passed bool, err error) {
	pr, err := t.provider.OpenPR(ctx, t.branch)
	if err != nil {
		return false, false, err
	}

	if pr != nil && pr.HeadSHA != t.trackedSHA {
		t.followHead(ctx, pr)
	}

	t.notify(attempt, "polling check runs")

	runs, err := t.provider.CheckRuns(ctx, t.trackedSHA)
	if err != nil {
		return false, false, err
	}

	// Filter strictly to runs reported for the tracked commit; stale
	// API results can carry runs for other SHAs.
	var matching []github.CheckRun
	for _, r := range runs {
		if r.HeadSHA == t.trackedSHA {
			matching = append(matching, r)
		}
	}

	if len(matching) == 0 {
		// CI never starting may mean the PR cannot be merged at all
		if pr != nil {
			state, merr := t.provider.MergeableState(ctx, pr.Number)
			if merr != nil {
				return false, false, merr
			}
			if state == github.Mergeable_CONFLICTING {
				return false, false, &MergeConflictError{PRNumber: pr.Number, Branch: t.branch, Base: pr.BaseBranch}
			}
		}
		t.notify(attempt, "checks not started")
		return false, false, nil
	}

	for _, r := range matching {
		if !r.Completed() {
			t.notify(attempt, "checks running")
			return false, false, nil
		}
	}

	// A suite may report status independently of its runs; require all
	// suites completed too. An empty suite list is vacuously satisfied.
	suites, err := t.provider.CheckSuites(ctx, t.trackedSHA)
	if err != nil {
		return false, false, err
	}
	for _, s := range suites {
		if !s.Completed() {
			t.notify(attempt, "suites running")
			return false, false, nil
		}
	}

	return true, conclusionsPass(matching, suites), nil
}

// followHead decides whether to switch tracking to the PR head. Only
// an auditable "head contains the tracked commit" answer justifies the
// switch; anything else keeps the original commit.
func (t *Tracker) followHead(ctx context.Context, pr *github.PullRequest) {
	status, err := t.provider.CompareCommits(ctx, t.trackedSHA, pr.HeadSHA)
	if err != nil {
		// Compare API failed; fall back to local ancestry
		ahead, gerr := t.git.IsAncestor(t.trackedSHA, pr.HeadSHA)
		if gerr != nil {
			log.Printf("checks: cannot compare %s and PR head %s (%v, %v); keeping original", shortSHA(t.trackedSHA), shortSHA(pr.HeadSHA), err, gerr)
			return
		}
		if ahead {
			status = github.CompareAhead
		} else {
			status = github.CompareDiverged
		}
	}

	switch status {
	case github.CompareAhead:
		// CI for the superseded commit will never appear
		log.Printf("checks: PR #%d head moved to %s (contains %s); following", pr.Number, shortSHA(pr.HeadSHA), shortSHA(t.trackedSHA))
		t.trackedSHA = pr.HeadSHA
	case github.CompareBehind, github.CompareIdentical:
		// CI already targets the tracked commit
	default:
		log.Printf("checks: PR #%d head %s diverged from %s; keeping original", pr.Number, shortSHA(pr.HeadSHA), shortSHA(t.trackedSHA))
	}
}

func conclusionsPass(runs []github.CheckRun, suites []github.CheckSuite) bool {
	for _, r := range runs {
		switch r.Conclusion {
		case "success", "skipped":
		default:
			return false
		}
	}
	for _, s := range suites {
		switch s.Conclusion {
		case "success", "neutral", "skipped":
		default:
			return false
		}
	}
	return true
}

func (t *Tracker) notify(attempt int, status string) {
	if t.OnProgress != nil {
		t.OnProgress(Progress{Attempt: attempt, TrackedSHA: t.trackedSHA, Status: status})
	}
}
