package infra

import (
	"context"
	"sync"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// mockRunner is a test double for domain.CommandRunner
type mockRunner struct {
	mu       sync.Mutex
	commands []string
	output   string
	exitCode int
	err      error
}

func (m *mockRunner) Run(ctx context.Context, command string) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, command)
	return m.output, m.exitCode, m.err
}

func (m *mockRunner) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// exitedHandle is a process handle whose process is already gone
type exitedHandle struct {
	pid int
}

func (h exitedHandle) PID() int     { return h.pid }
func (h exitedHandle) Exited() bool { return true }

// Ensure mocks implement domain interfaces
var _ domain.CommandRunner = (*mockRunner)(nil)
var _ domain.ProcessHandle = exitedHandle{}
