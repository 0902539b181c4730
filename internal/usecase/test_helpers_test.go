package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// fakeBackend is a test double for domain.DisplayBackend
type fakeBackend struct {
	modes     []domain.DisplayMode
	err       error
	applied   []string
	applyErr  error
	applyDiag string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Query(ctx context.Context) ([]domain.DisplayMode, error) {
	return f.modes, f.err
}

func (f *fakeBackend) Apply(ctx context.Context, port string, width, height int) (string, error) {
	f.applied = append(f.applied, fmt.Sprintf("%s %dx%d", port, width, height))
	return f.applyDiag, f.applyErr
}

// fakeRunner is a test double for domain.CommandRunner
type fakeRunner struct {
	commands []string
	exitCode int
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, command string) (string, int, error) {
	f.commands = append(f.commands, command)
	return "", f.exitCode, f.err
}

// fakeRecordings returns canned schedules, failing the first failures calls
type fakeRecordings struct {
	schedule domain.Schedule
	failures int
	err      error
	calls    int
}

func (f *fakeRecordings) Schedule(ctx context.Context) (domain.Schedule, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.schedule, nil
}

// fixedClock always returns the same instant
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// Ensure fakes implement domain interfaces
var _ domain.DisplayBackend = (*fakeBackend)(nil)
var _ domain.CommandRunner = (*fakeRunner)(nil)
var _ domain.RecordingBackend = (*fakeRecordings)(nil)
var _ domain.Clock = fixedClock{}
