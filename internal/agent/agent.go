// Package agent runs coding agents as subprocesses: prompt in, output
// and an optional new commit out. Timeouts kill the whole process
// group so agent-spawned children cannot outlive the deadline.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/step-orchestrator/internal/gitops"
)

// Request describes one agent invocation.
type Request struct {
	WorkDir      string
	Prompt       string
	Timeout      time.Duration
	ExpectCommit bool
	// SessionID, when supported by the runner, pins the agent to a
	// named session so a re-invocation continues where it left off.
	SessionID string
	// Transcript, if set, receives the agent's combined output as it
	// streams. Useful for tail -f while an agent runs.
	Transcript string
}

// Result is what an invocation produced.
type Result struct {
	Output string
	// CommitSHA is the repository HEAD after the run if the agent
	// committed, empty otherwise.
	CommitSHA string
}

// Runner invokes one kind of agent.
type Runner interface {
	Name() string
	Run(ctx context.Context, req Request) (*Result, error)
	// GrantPermissions pre-authorizes the agent inside workDir so it
	// never stalls on an interactive prompt.
	GrantPermissions(workDir string) error
}

// outputLimit caps how much agent output is kept in memory. The full
// stream still goes to the transcript file.
const outputLimit = 1 << 20

// runProcess is the shared subprocess harness. The prompt goes to the
// agent on stdin; stdout and stderr are drained concurrently into a
// bounded buffer and the optional transcript file.
func runProcess(ctx context.Context, binary string, args []string, req Request) (*Result, error) {
	repo := gitops.NewRepo(req.WorkDir)
	headBefore, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD before agent run: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	// Agents spawn their own subprocesses; kill the whole group
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	var transcript *os.File
	if req.Transcript != "" {
		transcript, err = os.Create(req.Transcript)
		if err != nil {
			return nil, fmt.Errorf("creating transcript file: %w", err)
		}
		defer transcript.Close()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	sink := &outputSink{limit: outputLimit, file: transcript}
	var g errgroup.Group
	g.Go(func() error { return sink.drain(stdout) })
	g.Go(func() error { return sink.drain(stderr) })
	drainErr := g.Wait()

	waitErr := cmd.Wait()
	output := sink.String()

	if waitErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Command: binary, After: req.Timeout}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return nil, &ExitError{Command: binary, ExitCode: exitErr.ExitCode(), Output: tail(output, 4096)}
		}
		return nil, fmt.Errorf("%s: %w", binary, waitErr)
	}
	if drainErr != nil {
		return nil, fmt.Errorf("reading %s output: %w", binary, drainErr)
	}

	headAfter, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD after agent run: %w", err)
	}

	res := &Result{Output: output}
	if headAfter != headBefore && headAfter != "" {
		res.CommitSHA = headAfter
	}
	return res, nil
}

// outputSink accumulates agent output line by line under a lock, so
// stdout and stderr drains can interleave safely.
type outputSink struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	file  *os.File
}

func (s *outputSink) drain(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	// Agents emit long JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		s.append(scanner.Text())
	}
	return scanner.Err()
}

func (s *outputSink) append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, line...)
		s.buf = append(s.buf, '\n')
	}
	if s.file != nil {
		s.file.WriteString(line + "\n")
		s.file.Sync()
	}
}

func (s *outputSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
