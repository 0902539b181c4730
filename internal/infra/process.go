package infra

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// DefaultReapTimeout is how long Stop waits for a killed GUI to be reaped.
const DefaultReapTimeout = 5 * time.Second

// ErrNoHandle is returned by Stop when there is neither a process nor a stop command.
var ErrNoHandle = errors.New("no GUI process and no stop command")

// ManagedProcess is a GUI process tree started by the supervisor.
// A reaper goroutine observes the exit, so Exited always reflects the OS.
type ManagedProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// PID returns the PID of the shell that runs the GUI command.
func (p *ManagedProcess) PID() int {
	return p.cmd.Process.Pid
}

// Exited reports whether the process has exited and been reaped.
func (p *ManagedProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or timeout elapses.
func (p *ManagedProcess) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// ExitError returns the wait error once the process has exited.
func (p *ManagedProcess) ExitError() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// ProcessSupervisorImpl implements domain.ProcessSupervisor using gopsutil.
type ProcessSupervisorImpl struct {
	runner      domain.CommandRunner
	logger      *zap.Logger
	reapTimeout time.Duration
}

// NewProcessSupervisor creates a new process supervisor.
func NewProcessSupervisor(runner domain.CommandRunner, logger *zap.Logger) *ProcessSupervisorImpl {
	return &ProcessSupervisorImpl{
		runner:      runner,
		logger:      logger,
		reapTimeout: DefaultReapTimeout,
	}
}

// Start spawns the command through the shell in its own process group.
// The GUI outlives the caller's context, so ctx is not bound to the process.
func (s *ProcessSupervisorImpl) Start(ctx context.Context, command string) (domain.ProcessHandle, error) {
	cmd := exec.Command(ShellPath, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Signal the whole tree via -pid
	}

	// No stdin/stdout/stderr; an unread pipe would eventually block the GUI
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}

	p := &ManagedProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	s.logger.Info("GUI process started",
		zap.String("command", command),
		zap.Int("pid", p.PID()))

	return p, nil
}

// IsRunning checks whether the handle's process is still alive.
func (s *ProcessSupervisorImpl) IsRunning(h domain.ProcessHandle) bool {
	return h != nil && !h.Exited()
}

// Stop terminates the GUI: process tree first, then the stop command.
func (s *ProcessSupervisorImpl) Stop(ctx context.Context, h domain.ProcessHandle, stopCommand string) error {
	if h != nil {
		err := s.KillTree(h.PID())
		if err == nil {
			if mp, ok := h.(*ManagedProcess); ok && !mp.Wait(s.reapTimeout) {
				s.logger.Warn("GUI process not reaped after kill",
					zap.Int("pid", h.PID()),
					zap.Duration("timeout", s.reapTimeout))
			}
			s.logger.Info("GUI and child processes stopped", zap.Int("pid", h.PID()))
			return nil
		}
		s.logger.Debug("process tree kill failed",
			zap.Int("pid", h.PID()),
			zap.Error(err))
	}

	if stopCommand != "" {
		s.logger.Info("stopping GUI via command", zap.String("command", stopCommand))
		output, code, err := s.runner.Run(ctx, stopCommand)
		if err != nil {
			return fmt.Errorf("stop command failed: %w", err)
		}
		if code != 0 {
			return fmt.Errorf("stop command exited with %d: %s", code, output)
		}
		return nil
	}

	return ErrNoHandle
}

// KillTree sends SIGKILL to pid and every descendant found at call time,
// then to pid's process group to catch anything forked meanwhile.
func (s *ProcessSupervisorImpl) KillTree(pid int) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("process %d: %w", pid, err)
	}

	descendants, err := Descendants(pid)
	if err != nil {
		s.logger.Debug("failed to enumerate child processes",
			zap.Int("pid", pid),
			zap.Error(err))
	}

	if err := root.Kill(); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}

	for _, child := range descendants {
		if err := child.Kill(); err != nil {
			s.logger.Debug("failed to kill child process",
				zap.Int32("pid", child.Pid),
				zap.Error(err))
		}
	}

	// Group members that were not yet visible during the walk
	_ = syscall.Kill(-pid, syscall.SIGKILL)

	return nil
}

// Descendants walks the process table and returns every process below pid.
func Descendants(pid int) ([]*process.Process, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	children := make(map[int32][]*process.Process)
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue // Process may have exited
		}
		children[ppid] = append(children[ppid], p)
	}

	var result []*process.Process
	queue := []int32{int32(pid)}
	seen := map[int32]bool{int32(pid): true}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range children[parent] {
			if seen[child.Pid] {
				continue
			}
			seen[child.Pid] = true
			result = append(result, child)
			queue = append(queue, child.Pid)
		}
	}

	return result, nil
}

// PidAlive checks if a PID exists and is not a zombie.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, st := range status {
		if st == process.Zombie {
			return false
		}
	}
	return true
}

// Ensure implementations satisfy interfaces
var _ domain.ProcessSupervisor = (*ProcessSupervisorImpl)(nil)
var _ domain.ProcessHandle = (*ManagedProcess)(nil)
