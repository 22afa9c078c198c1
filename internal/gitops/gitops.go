// Package gitops reads state from a local git repository. The engine
// never mutates the working tree itself; only the spawned agent does.
package gitops

import (
	"fmt"
	"os/exec"
	"strings"
)

// Repo reads git state for one working directory
type Repo struct {
	dir string
}

// NewRepo creates a Repo for the given working directory
func NewRepo(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the working directory
func (r *Repo) Dir() string {
	return r.dir
}

// Head returns the current HEAD commit SHA, or "" if the repository
// has no commits yet.
func (r *Repo) Head() (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		// An unborn branch has no HEAD; report that as empty, not an error
		if strings.Contains(string(out), "unknown revision") ||
			strings.Contains(string(out), "ambiguous argument") {
			return "", nil
		}
		return "", fmt.Errorf("git rev-parse HEAD: %s: %w", out, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsClean reports whether the working tree has no uncommitted changes
func (r *Repo) IsClean() (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("git status: %s: %w", out, err)
	}
	return strings.TrimSpace(string(out)) == "", nil
}

// CurrentBranch returns the checked-out branch name
func (r *Repo) CurrentBranch() (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref: %s: %w", out, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RemoteSlug resolves the owner/name pair of a named remote by parsing
// its URL. Both SSH and HTTPS GitHub remotes are understood.
func (r *Repo) RemoteSlug(remote string) (owner, name string, err error) {
	cmd := exec.Command("git", "remote", "get-url", remote)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", "", fmt.Errorf("git remote get-url %s: %s: %w", remote, out, err)
	}
	return parseRemoteURL(strings.TrimSpace(string(out)))
}

// parseRemoteURL extracts owner/name from forms like
// git@github.com:owner/name.git and https://github.com/owner/name.
func parseRemoteURL(url string) (string, string, error) {
	path := url
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
		if j := strings.Index(path, "/"); j >= 0 {
			path = path[j+1:]
		}
	} else if i := strings.Index(path, ":"); i >= 0 {
		path = path[i+1:]
	}
	path = strings.TrimSuffix(path, ".git")
	path = strings.Trim(path, "/")

	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/name from remote url %q", url)
	}
	return parts[0], parts[1], nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
// Used as the local fallback when the remote compare API fails.
func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	cmd := exec.Command("git", "merge-base", "--is-ancestor", ancestor, descendant)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor %s %s: %w", ancestor, descendant, err)
}
