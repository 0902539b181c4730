// Package main is the CLI entry point for htpcwatch.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/htpcwatch/internal/config"
	"github.com/eliteGoblin/htpcwatch/internal/daemon"
	"github.com/eliteGoblin/htpcwatch/internal/display"
	"github.com/eliteGoblin/htpcwatch/internal/domain"
	"github.com/eliteGoblin/htpcwatch/internal/infra"
	"github.com/eliteGoblin/htpcwatch/internal/pvr"
	"github.com/eliteGoblin/htpcwatch/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// staleAfter marks a status file whose daemon stopped writing it.
const staleAfter = 30 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "htpcwatch",
	Short: "HTPC watchdog - GUI, display and power control",
	Long: `htpcwatch keeps a home-theater PC in one of two modes: the GUI
front-end runs while someone watches, or the machine stays up headless
while a recording is active or about to start. The power button toggles
the GUI; when neither mode holds, the host is powered off.

Run without arguments it starts the daemon.`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runDaemon,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watchdog daemon in the foreground",
	RunE:  runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows the state last written by the daemon and whether the daemon and GUI are alive.`,
	RunE:  runStatus,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show display modes as the daemon sees them",
	RunE:  runProbe,
}

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Query tvheadend once and show the recording decision",
	RunE:  runRecordings,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and enable the systemd unit",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Disable and remove the systemd unit",
	RunE:  runUninstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	debug      bool
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log to stderr at debug level")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(recordingsCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	result, err := config.Load(configPath)
	if err != nil {
		logger := createLogger(config.DefaultSettings().Paths.LogFile)
		logger.Error("could not load configuration",
			zap.String("path", configPath),
			zap.Error(err))
		_ = logger.Sync()
		return err
	}
	s := result.Settings

	logger := createLogger(s.Paths.LogFile)
	defer func() { _ = logger.Sync() }()

	for _, w := range result.Warnings {
		logger.Warn(w, zap.String("path", configPath))
	}
	logger.Info("starting htpcwatch",
		zap.String("version", Version),
		zap.String("config", configPath))

	runner := infra.NewShellRunner()
	backend, closeBackend := newDisplayBackend(s, runner, logger)
	defer closeBackend()
	probe := usecase.NewDisplayProbe(backend, runner, logger)

	power := infra.NewAcpiEventSource(s.Paths.AcpidSocket, logger)
	defer power.Close()

	var logind *infra.LogindClient
	if s.Options.InhibitPowerKey.Bool() || s.Options.ShutdownViaLogind.Bool() {
		logind, err = infra.NewLogindClient(logger)
		if err != nil {
			logger.Warn("logind unavailable", zap.Error(err))
			logind = nil
		} else {
			defer logind.Close()
		}
	}

	if logind != nil && s.Options.InhibitPowerKey.Bool() {
		inhibitor, err := logind.InhibitPowerKey(context.Background(), "htpcwatch", "Power button toggles the HTPC GUI")
		if err != nil {
			logger.Warn("failed to inhibit power key handling", zap.Error(err))
		} else {
			defer inhibitor.Close()
		}
	}

	var shutdowner domain.Shutdowner = infra.NewCommandShutdowner(runner, s.Commands.Shutdown, logger)
	if logind != nil && s.Options.ShutdownViaLogind.Bool() {
		shutdowner = infra.NewLogindShutdowner(logind, shutdowner, logger)
	}

	oracle, wake := newRecordingOracle(s, logger)
	status := infra.NewFileStatusStore(s.Paths.StatusFile)

	watchdog := daemon.NewWatchdog(
		daemon.NewWatchdogConfig(s, Version),
		power,
		probe,
		oracle,
		wake,
		infra.NewProcessSupervisor(runner, logger),
		shutdowner,
		status,
		logger,
	)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received termination signal")
		cancel()
	}()

	err = watchdog.Run(ctx)
	if clearErr := status.Clear(); clearErr != nil {
		logger.Debug("failed to remove status file", zap.Error(clearErr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newDisplayBackend picks the configured backend, falling back to xrandr
// when the X server cannot be reached directly.
func newDisplayBackend(s config.Settings, runner domain.CommandRunner, logger *zap.Logger) (domain.DisplayBackend, func()) {
	if s.Options.DisplayBackend == config.DisplayBackendRandR {
		b, err := display.NewRandRBackend(logger)
		if err == nil {
			return b, b.Close
		}
		logger.Warn("RandR backend unavailable, using xrandr", zap.Error(err))
	}
	return display.NewXrandrBackend(runner, logger), func() {}
}

// newRecordingOracle builds the oracle and wake detector, or stubs when
// tvheadend is disabled.
func newRecordingOracle(s config.Settings, logger *zap.Logger) (domain.RecordingOracle, domain.WakeDetector) {
	clock := domain.SystemClock{}
	wake := pvr.NewFileWakeDetector(s.Paths.WakePersistent, s.Times.WakeTolerance.Duration(), clock, logger)
	if !s.Options.UseTvheadend.Bool() {
		return usecase.DisabledOracle{}, wake
	}
	client := pvr.NewClient(clientConfig(s), logger)
	oracle := usecase.NewRecordingOracle(client, s.Times.RecBridge.Duration(),
		s.Options.StayAwakeOnBackendError.Bool(), clock, logger)
	return oracle, wake
}

func clientConfig(s config.Settings) pvr.ClientConfig {
	cfg := pvr.DefaultClientConfig()
	cfg.Host = s.Tvheadend.Host
	cfg.Port = s.Tvheadend.Port
	cfg.Username = s.Tvheadend.Username
	cfg.Password = s.Tvheadend.Password
	cfg.ClientVersion = Version
	return cfg
}

func createLogger(path string) *zap.Logger {
	if debug {
		logger, err := zap.NewDevelopment()
		if err == nil {
			return logger
		}
	}

	config := zap.NewProductionConfig()
	config.OutputPaths = []string{path}
	config.ErrorOutputPaths = []string{path}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// cliLogger is quiet unless --debug is given.
func cliLogger() *zap.Logger {
	if debug {
		if logger, err := zap.NewDevelopment(); err == nil {
			return logger
		}
	}
	return zap.NewNop()
}

func loadSettings() (config.Settings, error) {
	result, err := config.Load(configPath)
	if err != nil {
		return config.Settings{}, err
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	return result.Settings, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	path := config.DefaultSettings().Paths.StatusFile
	if s, err := loadSettings(); err == nil {
		path = s.Paths.StatusFile
	}

	store := infra.NewFileStatusStore(path)

	fmt.Println("\n=== htpcwatch Status ===")

	status, err := store.Read()
	if err != nil {
		return err
	}
	if status == nil || !infra.PidAlive(status.PID) {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("========================")
		return nil
	}

	if infra.IsStale(status, time.Now(), staleAfter) {
		fmt.Println("Status: STALLED (no heartbeat)")
	} else {
		fmt.Println("Status: RUNNING")
	}
	fmt.Printf("PID: %d\n", status.PID)
	fmt.Printf("Phase: %s\n", status.Phase)
	fmt.Printf("GUI needed: %t\n", status.GuiNeeded)
	if status.GuiPID > 0 {
		fmt.Printf("GUI PID: %d (alive: %t)\n", status.GuiPID, infra.PidAlive(status.GuiPID))
	}
	fmt.Printf("Recording pending: %t\n", status.RecordingPending)
	fmt.Printf("Screen: %s %s\n", status.Screen.Port, status.Screen.Resolution)

	lastBeat := time.Unix(status.LastHeartbeat, 0)
	fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	if status.AppVersion != "" {
		fmt.Printf("Daemon version: %s\n", status.AppVersion)
	}

	fmt.Println("========================")
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	runner := infra.NewShellRunner()
	backend, closeBackend := newDisplayBackend(s, runner, logger)
	defer closeBackend()

	modes, err := backend.Query(cmd.Context())
	if err != nil {
		return fmt.Errorf("display query failed: %w", err)
	}

	fmt.Printf("\n=== Display modes (%s) ===\n", backend.Name())
	for _, m := range modes {
		var flags string
		if m.Active {
			flags += "*"
		}
		if m.Preferred {
			flags += "+"
		}
		primary := ""
		if m.Primary {
			primary = " primary"
		}
		fmt.Printf("  %-10s %-11s %6.2f%-2s%s\n", m.Port, m.Resolution(), m.Rate, flags, primary)
	}

	fmt.Println()
	if cur := usecase.CurrentMode(modes); cur != nil {
		fmt.Printf("Current:   %s %s\n", cur.Port, cur.Resolution())
	} else {
		fmt.Println("Current:   none")
	}
	if pref := usecase.PreferredMode(modes); pref != nil {
		fmt.Printf("Preferred: %s %s\n", pref.Port, pref.Resolution())
	} else {
		fmt.Println("Preferred: none")
	}
	snap := domain.SnapshotOf(usecase.CurrentMode(modes))
	fmt.Printf("Snapshot:  %s %s\n", snap.Port, snap.Resolution)
	fmt.Println("============================")
	return nil
}

func runRecordings(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if !s.Options.UseTvheadend.Bool() {
		fmt.Println("tvheadend is disabled (Options.use_tvheadend = no)")
		return nil
	}

	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), pvr.DefaultTimeout)
	defer cancel()

	schedule, err := pvr.NewClient(clientConfig(s), logger).Schedule(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	fmt.Println("\n=== Recordings ===")
	active := schedule.Active()
	fmt.Printf("Active: %d\n", len(active))
	for _, r := range active {
		fmt.Printf("  - %s (until %s)\n", r.Title, r.Stop.Format("15:04"))
	}
	if next, ok := schedule.Next(); ok {
		fmt.Printf("Next: %s at %s (in %s)\n", next.Title, next.Start.Format("2006-01-02 15:04"),
			next.Start.Sub(now).Round(time.Second))
	} else {
		fmt.Println("Next: none")
	}
	fmt.Printf("Bridge: %s\n", s.Times.RecBridge.Duration())
	fmt.Printf("Keeps host up: %t\n", usecase.Pending(schedule, now, s.Times.RecBridge.Duration()))
	fmt.Println("==================")
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	logger := cliLogger()
	defer func() { _ = logger.Sync() }()
	installer := infra.NewSystemdInstaller(infra.NewShellRunner(), logger)

	if installer.IsInstalled() && !installer.NeedsUpdate(execPath, absConfig) {
		fmt.Printf("Already installed: %s\n", installer.UnitPath())
		return nil
	}
	if err := installer.Install(execPath, absConfig); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	fmt.Printf("Installed %s\n", installer.UnitPath())
	fmt.Println("The daemon starts on next boot; run 'systemctl start htpcwatch' to start it now.")
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()
	installer := infra.NewSystemdInstaller(infra.NewShellRunner(), logger)

	if !installer.IsInstalled() {
		fmt.Println("Not installed")
		return nil
	}
	if err := installer.Uninstall(); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}
	fmt.Printf("Removed %s\n", installer.UnitPath())
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("htpcwatch %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
