package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 60 * time.Second

	// waitDelay bounds how long Run waits for output pipes after the process
	// group has been killed.
	waitDelay = 5 * time.Second
)

// Outcome is the reported result of one deploy. Failures are data, not errors.
type Outcome struct {
	Succeeded bool
	// Output is stdout on success and stderr or a diagnostic on failure.
	Output string
	// Revision is the HEAD commit after a successful run, when readable.
	Revision string
}

// Config configures an Executor.
type Config struct {
	Remote  string
	Branch  string
	Timeout time.Duration
	// Command replaces `git pull <Remote> <Branch>` when set.
	Command []string
	Logger  *slog.Logger
}

// Executor runs the update command inside a repository. Runs against the same
// repository path never overlap; runs against different paths may.
type Executor struct {
	command []string
	timeout time.Duration
	locks   *pathLocks
	log     *slog.Logger
}

func NewExecutor(cfg Config) *Executor {
	command := cfg.Command
	if len(command) == 0 {
		command = []string{"git", "pull", cfg.Remote, cfg.Branch}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		command: append([]string(nil), command...),
		timeout: timeout,
		locks:   newPathLocks(),
		log:     logger,
	}
}

// Run executes the update command with repoPath as working directory and
// waits for it, at most for the configured timeout.
func (e *Executor) Run(ctx context.Context, repoPath string) Outcome {
	info, err := os.Stat(repoPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return failed(fmt.Sprintf("Repo path %s does not exist", repoPath))
	case err != nil:
		return failed(fmt.Sprintf("Repo path %s is not accessible: %v", repoPath, err))
	case !info.IsDir():
		return failed(fmt.Sprintf("Repo path %s is not a directory", repoPath))
	}

	unlock := e.locks.lock(lockKey(repoPath))
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Dir = repoPath
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	killProcessGroupOnCancel(cmd)

	log := e.log.With("repo_path", repoPath, "command", strings.Join(e.command, " "))
	log.Info("deploy command starting")
	started := time.Now()
	err = cmd.Run()
	elapsed := time.Since(started)

	if err == nil {
		log.Info("deploy command finished", "elapsed", elapsed)
		outcome := Outcome{Succeeded: true, Output: stdout.String()}
		if rev, err := headRevision(repoPath); err != nil {
			log.Debug("head revision unavailable", "err", err)
		} else {
			outcome.Revision = rev
		}
		return outcome
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn("deploy command timed out", "timeout", e.timeout)
		return failed(fmt.Sprintf("Deploy timed out after %s seconds", strconv.FormatFloat(e.timeout.Seconds(), 'f', -1, 64)))
	}
	if ctx.Err() != nil {
		log.Warn("deploy command cancelled", "err", ctx.Err())
		return failed(fmt.Sprintf("Deploy cancelled: %v", ctx.Err()))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Warn("deploy command failed", "exit_code", exitErr.ExitCode(), "elapsed", elapsed)
		return failed(stderr.String())
	}

	log.Error("deploy command could not run", "err", err)
	return failed(fmt.Sprintf("failed to run %s: %v", strings.Join(e.command, " "), err))
}

func failed(output string) Outcome {
	return Outcome{Succeeded: false, Output: output}
}
