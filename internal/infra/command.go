// Package infra implements infrastructure concerns (commands, processes, events, status).
package infra

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// ShellPath is the interpreter used for configured command strings.
const ShellPath = "/bin/sh"

// commandWaitDelay bounds the wait for output pipes after a cancelled command is killed.
const commandWaitDelay = 500 * time.Millisecond

// ShellRunner implements domain.CommandRunner with /bin/sh -c.
type ShellRunner struct{}

// NewShellRunner creates a new shell command runner.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

// Run executes the command and waits for it to complete.
// Cancelling ctx kills the command and everything it spawned.
// On success only stdout is returned; on failure stderr is appended.
func (r *ShellRunner) Run(ctx context.Context, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, ShellPath, "-c", command)
	cmd.Stdin = nil // Prevent any interactive prompts

	// Children of the shell inherit the output pipes; kill the whole group
	// on cancellation and stop waiting for the pipes shortly after.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = commandWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), 0, nil
	}

	output := stdout.String() + stderr.String()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, exitErr.ExitCode(), nil
	}
	return output, -1, err
}

// Ensure ShellRunner implements domain.CommandRunner.
var _ domain.CommandRunner = (*ShellRunner)(nil)
