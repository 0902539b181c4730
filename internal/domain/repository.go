package domain

import (
	"context"
	"time"
)

// CommandRunner executes shell command strings.
type CommandRunner interface {
	// Run executes the command via the shell and waits for it.
	// err is only set when the command could not be started;
	// a non-zero exit is reported through exitCode.
	Run(ctx context.Context, command string) (output string, exitCode int, err error)
}

// DisplayBackend talks to the display server.
// Implementations: xrandr text output, X11 RandR extension.
type DisplayBackend interface {
	// Name identifies the backend in logs.
	Name() string

	// Query returns all modes of all connected outputs, in output order.
	Query(ctx context.Context) ([]DisplayMode, error)

	// Apply sets the mode of an output. diagnostics carries tool output on failure.
	Apply(ctx context.Context, port string, width, height int) (diagnostics string, err error)
}

// PowerEventSource reports power-button presses.
type PowerEventSource interface {
	// PollPressed waits at most timeout and reports whether the button was pressed.
	PollPressed(ctx context.Context, timeout time.Duration) bool

	// Close releases the underlying event channel.
	Close() error
}

// RecordingBackend fetches the DVR schedule from the PVR server.
type RecordingBackend interface {
	// Schedule returns every DVR entry the backend knows about.
	Schedule(ctx context.Context) (Schedule, error)
}

// RecordingOracle decides whether a recording keeps the host awake.
type RecordingOracle interface {
	// HasActiveOrPendingRecording is true while a recording runs or is about to start.
	HasActiveOrPendingRecording(ctx context.Context) bool
}

// WakeDetector tells whether the host was woken for a scheduled recording.
type WakeDetector interface {
	WokeForRecording() bool
}

// ProcessHandle refers to a started GUI process.
type ProcessHandle interface {
	PID() int

	// Exited reports whether the OS has reported the process exit.
	Exited() bool
}

// ProcessSupervisor starts and stops the managed GUI process tree.
type ProcessSupervisor interface {
	// Start spawns the command without waiting for it.
	Start(ctx context.Context, command string) (ProcessHandle, error)

	// IsRunning is true iff the handle's process has not exited yet.
	IsRunning(h ProcessHandle) bool

	// Stop kills the process tree of h, falling back to stopCommand.
	Stop(ctx context.Context, h ProcessHandle, stopCommand string) error
}

// Shutdowner powers the host off.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// StatusStore persists the daemon status for the status command.
type StatusStore interface {
	// Write replaces the stored status.
	Write(status DaemonStatus) error

	// Read returns the stored status, nil when none exists.
	Read() (*DaemonStatus, error)

	// Clear removes the stored status.
	Clear() error

	// Path returns the backing file path.
	Path() string
}

// ServiceInstaller manages the init-system unit that starts the daemon at boot.
type ServiceInstaller interface {
	// Install writes and enables the unit.
	Install(execPath, configPath string) error

	// Uninstall disables and removes the unit.
	Uninstall() error

	// IsInstalled checks if the unit file exists.
	IsInstalled() bool

	// NeedsUpdate checks if the unit exists with different content than expected.
	NeedsUpdate(execPath, configPath string) bool

	// UnitPath returns the unit file path.
	UnitPath() string
}

// Clock abstracts wall time so controller ticks can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
