package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ClaudeRunner invokes Claude Code non-interactively.
type ClaudeRunner struct {
	Binary string
}

// NewClaudeRunner creates a runner using binary, or "claude" if empty.
func NewClaudeRunner(binary string) *ClaudeRunner {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeRunner{Binary: binary}
}

func (r *ClaudeRunner) Name() string { return r.Binary }

func (r *ClaudeRunner) Run(ctx context.Context, req Request) (*Result, error) {
	args := []string{
		"--print",
		"--output-format", "text",
	}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	return runProcess(ctx, r.Binary, args, req)
}

// GrantPermissions writes project-local settings that pre-authorize the
// tools an implementation run needs, so the agent never blocks on an
// interactive permission prompt.
func (r *ClaudeRunner) GrantPermissions(workDir string) error {
	dir := filepath.Join(workDir, ".claude")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	settings := `{
  "permissions": {
    "allow": [
      "Bash(git add:*)",
      "Bash(git commit:*)",
      "Bash(git status:*)",
      "Bash(git diff:*)",
      "Bash(git log:*)",
      "Edit",
      "Write",
      "Read"
    ],
    "deny": [
      "Bash(git push:*)",
      "Bash(git commit --amend:*)"
    ]
  }
}
`
	path := filepath.Join(dir, "settings.local.json")
	if err := os.WriteFile(path, []byte(settings), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// CodexRunner invokes Codex non-interactively, used for reviews.
type CodexRunner struct {
	Binary string
}

// NewCodexRunner creates a runner using binary, or "codex" if empty.
func NewCodexRunner(binary string) *CodexRunner {
	if binary == "" {
		binary = "codex"
	}
	return &CodexRunner{Binary: binary}
}

func (r *CodexRunner) Name() string { return r.Binary }

func (r *CodexRunner) Run(ctx context.Context, req Request) (*Result, error) {
	// "-" reads the prompt from stdin
	args := []string{"exec", "-"}
	return runProcess(ctx, r.Binary, args, req)
}

// GrantPermissions writes a project-local config that keeps the
// reviewer read-only but prompt-free.
func (r *CodexRunner) GrantPermissions(workDir string) error {
	dir := filepath.Join(workDir, ".codex")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	config := `approval_policy = "never"
sandbox_mode = "read-only"
`
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
