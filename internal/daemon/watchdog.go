// Package daemon implements the watchdog that keeps the HTPC GUI, the
// display and the host power state consistent.
package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/config"
	"github.com/eliteGoblin/htpcwatch/internal/domain"
	"github.com/eliteGoblin/htpcwatch/internal/usecase"
)

// WatchdogConfig holds watchdog configuration.
type WatchdogConfig struct {
	PollInterval           time.Duration // Pause between ticks
	ButtonPollTimeout      time.Duration // Max wait for a power-button event per tick
	ScreenCheckInterval    time.Duration // How often the display is re-probed
	RecordingCheckInterval time.Duration // How often the oracle is asked while idle
	XrandrWait             time.Duration // Settle time around a display mode change

	CheckResolution bool
	BackendEnabled  bool

	GuiLoad      string
	GuiStop      string
	SetupDisplay string

	AppVersion string
}

// DefaultWatchdogConfig returns default watchdog configuration.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		PollInterval:           time.Second,
		ButtonPollTimeout:      100 * time.Millisecond,
		ScreenCheckInterval:    10 * time.Second,
		RecordingCheckInterval: 60 * time.Second,
		XrandrWait:             2 * time.Second,
	}
}

// NewWatchdogConfig applies the loaded settings to the defaults.
func NewWatchdogConfig(s config.Settings, appVersion string) WatchdogConfig {
	cfg := DefaultWatchdogConfig()
	cfg.RecordingCheckInterval = s.Times.RecChecking.Duration()
	cfg.XrandrWait = s.Times.XrandrWait.Duration()
	cfg.CheckResolution = s.Options.CheckResolution.Bool()
	cfg.BackendEnabled = s.Options.UseTvheadend.Bool()
	cfg.GuiLoad = s.Commands.GuiLoad
	cfg.GuiStop = s.Commands.GuiStop
	cfg.SetupDisplay = s.Commands.SetupDisplay
	cfg.AppVersion = appVersion
	return cfg
}

// Display is the part of the display probe the watchdog uses.
type Display interface {
	// Snapshot reports ok=false when the display could not be probed.
	Snapshot(ctx context.Context) (domain.ScreenSnapshot, bool)
	Setup(ctx context.Context, setupCommand string) bool
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// State is the controller state. Only the watchdog loop writes it.
type State struct {
	GuiNeeded          bool
	Gui                domain.ProcessHandle
	RecordingPending   bool
	LastRecordingCheck time.Time
	LastScreenCheck    time.Time
	Screen             domain.ScreenSnapshot
}

// Watchdog decides whether the GUI runs, whether the host stays up for a
// recording, and powers off when neither holds.
type Watchdog struct {
	config     WatchdogConfig
	power      domain.PowerEventSource
	display    Display
	oracle     domain.RecordingOracle
	wake       domain.WakeDetector
	supervisor domain.ProcessSupervisor
	shutdowner domain.Shutdowner
	status     domain.StatusStore
	clock      domain.Clock
	sleep      Sleeper
	logger     *zap.Logger

	state       State
	terminating bool
}

// NewWatchdog creates a new watchdog. status may be nil.
func NewWatchdog(
	config WatchdogConfig,
	power domain.PowerEventSource,
	display Display,
	oracle domain.RecordingOracle,
	wake domain.WakeDetector,
	supervisor domain.ProcessSupervisor,
	shutdowner domain.Shutdowner,
	status domain.StatusStore,
	logger *zap.Logger,
) *Watchdog {
	return &Watchdog{
		config:     config,
		power:      power,
		display:    display,
		oracle:     oracle,
		wake:       wake,
		supervisor: supervisor,
		shutdowner: shutdowner,
		status:     status,
		clock:      domain.SystemClock{},
		sleep:      usecase.Sleep,
		logger:     logger,
		state:      State{Screen: domain.NoScreen},
	}
}

// WithClock replaces wall time and sleeping, for tests.
func (w *Watchdog) WithClock(clock domain.Clock, sleep Sleeper) *Watchdog {
	w.clock = clock
	w.sleep = sleep
	return w
}

// Init derives the initial state from the wake reason and the display.
func (w *Watchdog) Init(ctx context.Context) {
	woke := w.config.BackendEnabled && w.wake != nil && w.wake.WokeForRecording()

	now := w.clock.Now()
	w.state.GuiNeeded = !woke
	w.state.RecordingPending = !w.state.GuiNeeded
	w.state.LastRecordingCheck = now
	w.state.LastScreenCheck = now

	if w.config.CheckResolution {
		if snapshot, ok := w.display.Snapshot(ctx); ok {
			w.state.Screen = snapshot
		}
	}

	w.logger.Info("watchdog initialized",
		zap.Bool("gui_needed", w.state.GuiNeeded),
		zap.Bool("recording_pending", w.state.RecordingPending),
		zap.String("port", w.state.Screen.Port),
		zap.String("resolution", w.state.Screen.Resolution))
}

// Tick runs one loop iteration and reports whether the loop must go on.
// Order matters: button, display drift, GUI reconciliation, recording check.
func (w *Watchdog) Tick(ctx context.Context) bool {
	if w.power.PollPressed(ctx, w.config.ButtonPollTimeout) {
		w.state.GuiNeeded = !w.state.GuiNeeded
		w.logger.Info("power button pressed", zap.Bool("gui_needed", w.state.GuiNeeded))
		if !w.state.GuiNeeded {
			// Consult the oracle in this tick
			w.state.LastRecordingCheck = time.Time{}
		}
	}

	if w.config.CheckResolution && w.clock.Now().Sub(w.state.LastScreenCheck) >= w.config.ScreenCheckInterval {
		w.checkScreen(ctx)
	}

	running := w.reconcileGui(ctx)

	now := w.clock.Now()
	if !w.state.GuiNeeded && !running && now.Sub(w.state.LastRecordingCheck) >= w.config.RecordingCheckInterval {
		w.state.RecordingPending = w.config.BackendEnabled && w.oracle.HasActiveOrPendingRecording(ctx)
		w.state.LastRecordingCheck = now
		w.logger.Info("recording check", zap.Bool("recording_pending", w.state.RecordingPending))
	}

	w.writeStatus()
	return w.state.GuiNeeded || w.state.RecordingPending
}

// Run drives Tick until nothing needs the host, then powers off once.
// On context cancellation the GUI is stopped and the host stays up.
func (w *Watchdog) Run(ctx context.Context) error {
	w.Init(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return w.abort(err)
		}
		if !w.Tick(ctx) {
			if err := ctx.Err(); err != nil {
				return w.abort(err)
			}
			break
		}
		if err := w.sleep(ctx, w.config.PollInterval); err != nil {
			return w.abort(err)
		}
	}

	w.terminating = true
	w.writeStatus()
	w.logger.Info("no GUI and no recording pending, shutting down")
	if err := w.shutdowner.Shutdown(ctx); err != nil {
		w.logger.Error("shutdown failed", zap.Error(err))
	}
	return nil
}

// State returns a copy of the controller state.
func (w *Watchdog) State() State {
	return w.state
}

// Phase derives the conceptual controller state.
func (w *Watchdog) Phase() domain.Phase {
	switch {
	case w.terminating:
		return domain.PhaseTerminating
	case w.state.GuiNeeded:
		return domain.PhaseGuiActive
	case w.state.RecordingPending:
		return domain.PhaseIdleRecording
	default:
		return domain.PhaseTerminating
	}
}

// checkScreen re-probes the display and corrects drift.
func (w *Watchdog) checkScreen(ctx context.Context) {
	w.state.LastScreenCheck = w.clock.Now()

	snapshot, ok := w.display.Snapshot(ctx)
	if !ok {
		w.logger.Warn("display probe failed, keeping last snapshot",
			zap.String("port", w.state.Screen.Port),
			zap.String("resolution", w.state.Screen.Resolution))
		return
	}
	if snapshot == w.state.Screen {
		return
	}

	if snapshot == domain.NoScreen {
		w.logger.Warn("display lost, skipping correction",
			zap.String("previous_port", w.state.Screen.Port),
			zap.String("previous_resolution", w.state.Screen.Resolution))
		w.state.Screen = snapshot
		return
	}

	w.logger.Info("display drift detected",
		zap.String("from_port", w.state.Screen.Port),
		zap.String("from_resolution", w.state.Screen.Resolution),
		zap.String("to_port", snapshot.Port),
		zap.String("to_resolution", snapshot.Resolution))
	w.correctDrift(ctx)
}

// correctDrift changes the mode with the GUI stopped, so it never renders across a mode switch.
func (w *Watchdog) correctDrift(ctx context.Context) {
	wasRunning := w.supervisor.IsRunning(w.state.Gui)
	if wasRunning {
		w.stopGui(ctx)
	}

	if err := w.sleep(ctx, w.config.XrandrWait); err != nil {
		return
	}
	w.display.Setup(ctx, w.config.SetupDisplay)
	if err := w.sleep(ctx, w.config.XrandrWait); err != nil {
		return
	}

	if snapshot, ok := w.display.Snapshot(ctx); ok {
		w.state.Screen = snapshot
		w.logger.Info("display corrected",
			zap.String("port", w.state.Screen.Port),
			zap.String("resolution", w.state.Screen.Resolution))
	} else {
		w.logger.Warn("display probe failed after correction, keeping last snapshot")
	}
	w.state.LastScreenCheck = w.clock.Now()

	if wasRunning && w.state.GuiNeeded {
		w.startGui(ctx)
	}
}

// reconcileGui starts or stops the GUI to match GuiNeeded and reports
// whether it is running afterwards.
func (w *Watchdog) reconcileGui(ctx context.Context) bool {
	if w.state.Gui != nil && !w.supervisor.IsRunning(w.state.Gui) {
		w.logger.Warn("GUI exited", zap.Int("pid", w.state.Gui.PID()))
		w.state.Gui = nil
	}
	running := w.state.Gui != nil

	switch {
	case w.state.GuiNeeded && !running:
		w.startGui(ctx)
	case !w.state.GuiNeeded && running:
		w.stopGui(ctx)
	}

	return w.supervisor.IsRunning(w.state.Gui)
}

func (w *Watchdog) startGui(ctx context.Context) {
	h, err := w.supervisor.Start(ctx, w.config.GuiLoad)
	if err != nil {
		w.logger.Error("failed to start GUI",
			zap.String("command", w.config.GuiLoad),
			zap.Error(err))
		return
	}
	w.state.Gui = h
}

func (w *Watchdog) stopGui(ctx context.Context) {
	if err := w.supervisor.Stop(ctx, w.state.Gui, w.config.GuiStop); err != nil {
		w.logger.Warn("failed to stop GUI", zap.Error(err))
	}
	w.state.Gui = nil
}

// abort stops the GUI on the way out without powering off.
func (w *Watchdog) abort(reason error) error {
	w.logger.Info("watchdog stopping", zap.Error(reason))
	if w.supervisor.IsRunning(w.state.Gui) {
		// The run context is already done
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w.stopGui(ctx)
	}
	return reason
}

func (w *Watchdog) writeStatus() {
	if w.status == nil {
		return
	}
	status := domain.DaemonStatus{
		PID:              os.Getpid(),
		GuiNeeded:        w.state.GuiNeeded,
		RecordingPending: w.state.RecordingPending,
		Phase:            w.Phase(),
		Screen:           w.state.Screen,
		AppVersion:       w.config.AppVersion,
	}
	if w.state.Gui != nil {
		status.GuiPID = w.state.Gui.PID()
	}
	if err := w.status.Write(status); err != nil {
		w.logger.Debug("failed to write status", zap.Error(err))
	}
}
