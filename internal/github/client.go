// Package github talks to the remote CI provider through the gh CLI:
// check-runs and check-suites for a commit, open pull requests for a
// branch, mergeable state, and commit comparison. All JSON responses
// are decoded strictly; unexpected enum values are errors, never
// silently coerced.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CompareStatus is the relationship of head relative to base as
// reported by the compare API.
type CompareStatus string

const (
	CompareAhead     CompareStatus = "ahead"
	CompareBehind    CompareStatus = "behind"
	CompareIdentical CompareStatus = "identical"
	CompareDiverged  CompareStatus = "diverged"
)

// Mergeable is a pull request's merge state.
type Mergeable string

const (
	Mergeable_MERGEABLE   Mergeable = "MERGEABLE"
	Mergeable_CONFLICTING Mergeable = "CONFLICTING"
	Mergeable_UNKNOWN     Mergeable = "UNKNOWN"
)

// CheckRun is a single CI job's reported status for a commit
type CheckRun struct {
	Name       string `json:"name"`
	HeadSHA    string `json:"head_sha"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, neutral, cancelled, skipped, timed_out, action_required
}

// Completed reports whether the run has finished
func (r CheckRun) Completed() bool { return r.Status == "completed" }

// CheckSuite is an aggregate CI status covering a group of check runs
type CheckSuite struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// Completed reports whether the suite has finished
func (s CheckSuite) Completed() bool { return s.Status == "completed" }

// PullRequest describes an open PR for a branch
type PullRequest struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	HeadBranch string `json:"headRefName"`
	HeadSHA    string `json:"headRefOid"`
	BaseBranch string `json:"baseRefName"`
}

// Client issues gh CLI calls against one repository
type Client struct {
	workDir string
	owner   string
	repo    string
}

// NewClient creates a Client for owner/repo, running gh from workDir
func NewClient(workDir, owner, repo string) *Client {
	return &Client{workDir: workDir, owner: owner, repo: repo}
}

func (c *Client) gh(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = c.workDir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return nil, fmt.Errorf("gh %s: %w", args[0], err)
	}
	return out, nil
}

func (c *Client) apiPath(format string, args ...interface{}) string {
	prefix := fmt.Sprintf("repos/%s/%s", c.owner, c.repo)
	return prefix + fmt.Sprintf(format, args...)
}

// OpenPR returns the open pull request whose head is branch, or nil if
// none exists.
func (c *Client) OpenPR(ctx context.Context, branch string) (*PullRequest, error) {
	out, err := c.gh(ctx, "pr", "list",
		"--head", branch,
		"--state", "open",
		"--repo", c.owner+"/"+c.repo,
		"--json", "number,url,headRefName,headRefOid,baseRefName",
	)
	if err != nil {
		return nil, err
	}

	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("parse gh pr list output: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	pr := prs[0]
	if pr.Number == 0 || pr.HeadSHA == "" {
		return nil, fmt.Errorf("gh pr list returned incomplete PR record: %s", out)
	}
	return &pr, nil
}

// MergeableState reads a pull request's mergeable state. UNKNOWN is a
// legitimate transient answer while GitHub computes mergeability.
func (c *Client) MergeableState(ctx context.Context, prNumber int) (Mergeable, error) {
	out, err := c.gh(ctx, "pr", "view", fmt.Sprintf("%d", prNumber),
		"--repo", c.owner+"/"+c.repo,
		"--json", "mergeable",
	)
	if err != nil {
		return "", err
	}

	var resp struct {
		Mergeable string `json:"mergeable"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("parse mergeable response: %w", err)
	}
	switch Mergeable(resp.Mergeable) {
	case Mergeable_MERGEABLE, Mergeable_CONFLICTING, Mergeable_UNKNOWN:
		return Mergeable(resp.Mergeable), nil
	case "":
		return Mergeable_UNKNOWN, nil
	default:
		return "", fmt.Errorf("unexpected mergeable value: %q", resp.Mergeable)
	}
}

// CheckRuns lists check-runs reported for a commit
func (c *Client) CheckRuns(ctx context.Context, sha string) ([]CheckRun, error) {
	out, err := c.gh(ctx, "api", "--paginate", c.apiPath("/commits/%s/check-runs", sha))
	if err != nil {
		return nil, err
	}

	return decodeCheckRunPages(out)
}

// decodeCheckRunPages decodes check-runs output; --paginate
// concatenates one JSON object per page.
func decodeCheckRunPages(out []byte) ([]CheckRun, error) {
	var runs []CheckRun
	dec := json.NewDecoder(strings.NewReader(string(out)))
	for dec.More() {
		var page struct {
			CheckRuns []CheckRun `json:"check_runs"`
		}
		if err := dec.Decode(&page); err != nil {
			return nil, fmt.Errorf("parse check-runs response: %w", err)
		}
		runs = append(runs, page.CheckRuns...)
	}
	return runs, nil
}

// CheckSuites lists check-suites reported for a commit
func (c *Client) CheckSuites(ctx context.Context, sha string) ([]CheckSuite, error) {
	out, err := c.gh(ctx, "api", "--paginate", c.apiPath("/commits/%s/check-suites", sha))
	if err != nil {
		return nil, err
	}

	return decodeCheckSuitePages(out)
}

func decodeCheckSuitePages(out []byte) ([]CheckSuite, error) {
	var suites []CheckSuite
	dec := json.NewDecoder(strings.NewReader(string(out)))
	for dec.More() {
		var page struct {
			CheckSuites []CheckSuite `json:"check_suites"`
		}
		if err := dec.Decode(&page); err != nil {
			return nil, fmt.Errorf("parse check-suites response: %w", err)
		}
		suites = append(suites, page.CheckSuites...)
	}
	return suites, nil
}

// CompareCommits reports how head relates to base
func (c *Client) CompareCommits(ctx context.Context, base, head string) (CompareStatus, error) {
	out, err := c.gh(ctx, "api", c.apiPath("/compare/%s...%s", base, head))
	if err != nil {
		return "", err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("parse compare response: %w", err)
	}
	switch CompareStatus(resp.Status) {
	case CompareAhead, CompareBehind, CompareIdentical, CompareDiverged:
		return CompareStatus(resp.Status), nil
	default:
		return "", fmt.Errorf("unexpected compare status: %q", resp.Status)
	}
}
