//go:build linux

package infra

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProcessSupervisor_StartAndExit(t *testing.T) {
	sup := NewProcessSupervisor(&mockRunner{}, zap.NewNop())

	h, err := sup.Start(context.Background(), "exit 0")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Greater(t, h.PID(), 0)

	assert.Eventually(t, func() bool { return !sup.IsRunning(h) },
		5*time.Second, 20*time.Millisecond, "short-lived process should be observed as exited")
}

func TestProcessSupervisor_IsRunning(t *testing.T) {
	sup := NewProcessSupervisor(&mockRunner{}, zap.NewNop())

	assert.False(t, sup.IsRunning(nil))
	assert.False(t, sup.IsRunning(exitedHandle{pid: 1}))

	h, err := sup.Start(context.Background(), "sleep 30")
	require.NoError(t, err)
	defer func() { _ = sup.Stop(context.Background(), h, "") }()

	assert.True(t, sup.IsRunning(h))
}

// TestProcessSupervisor_StopKillsWholeTree starts a GUI stand-in with two
// children and verifies nothing of the tree survives Stop.
func TestProcessSupervisor_StopKillsWholeTree(t *testing.T) {
	runner := &mockRunner{}
	sup := NewProcessSupervisor(runner, zap.NewNop())

	h, err := sup.Start(context.Background(), "sleep 300 & sleep 300 & wait")
	require.NoError(t, err)

	var pids []int
	require.Eventually(t, func() bool {
		children, err := Descendants(h.PID())
		if err != nil || len(children) < 2 {
			return false
		}
		pids = pids[:0]
		for _, c := range children {
			pids = append(pids, int(c.Pid))
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	pids = append(pids, h.PID())

	err = sup.Stop(context.Background(), h, "should-not-run")
	require.NoError(t, err)

	assert.False(t, sup.IsRunning(h))
	assert.Empty(t, runner.Commands(), "stop command must not run when tree kill succeeds")
	for _, pid := range pids {
		pid := pid
		assert.Eventually(t, func() bool { return !PidAlive(pid) },
			5*time.Second, 20*time.Millisecond, "pid %d still alive", pid)
	}
}

func TestProcessSupervisor_StopFallsBackToCommand(t *testing.T) {
	runner := &mockRunner{}
	sup := NewProcessSupervisor(runner, zap.NewNop())

	h, err := sup.Start(context.Background(), "exit 0")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Exited() }, 5*time.Second, 20*time.Millisecond)

	err = sup.Stop(context.Background(), h, "systemctl stop kodi")
	require.NoError(t, err)
	assert.Equal(t, []string{"systemctl stop kodi"}, runner.Commands())
}

func TestProcessSupervisor_StopWithoutHandle(t *testing.T) {
	runner := &mockRunner{}
	sup := NewProcessSupervisor(runner, zap.NewNop())

	require.NoError(t, sup.Stop(context.Background(), nil, "killall kodi"))
	assert.Equal(t, []string{"killall kodi"}, runner.Commands())
}

func TestProcessSupervisor_StopNothingToDo(t *testing.T) {
	runner := &mockRunner{}
	sup := NewProcessSupervisor(runner, zap.NewNop())

	err := sup.Stop(context.Background(), nil, "")
	assert.True(t, errors.Is(err, ErrNoHandle))
	assert.Empty(t, runner.Commands())
}

func TestProcessSupervisor_StopCommandFailure(t *testing.T) {
	runner := &mockRunner{exitCode: 3, output: "no such unit"}
	sup := NewProcessSupervisor(runner, zap.NewNop())

	err := sup.Stop(context.Background(), nil, "systemctl stop kodi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with 3")
}

func TestPidAlive(t *testing.T) {
	assert.False(t, PidAlive(0))
	assert.False(t, PidAlive(-5))
	assert.True(t, PidAlive(os.Getpid()))
}
