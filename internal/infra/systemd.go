package infra

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

const (
	// DefaultUnitName is the systemd service name.
	DefaultUnitName = "htpcwatch.service"

	// DefaultUnitDir is where system units are installed.
	DefaultUnitDir = "/etc/systemd/system"
)

// The daemon exiting is its normal end of life, so systemd must not restart it.
const unitTemplate = `[Unit]
Description=HTPC GUI watchdog
After=network-online.target acpid.service tvheadend.service display-manager.service
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecutablePath}} run --config {{.ConfigPath}}
Restart=no
KillMode=process

[Install]
WantedBy=graphical.target
`

type unitConfig struct {
	ExecutablePath string
	ConfigPath     string
}

// SystemdInstaller implements domain.ServiceInstaller for systemd.
type SystemdInstaller struct {
	unitDir  string
	unitName string
	runner   domain.CommandRunner
	logger   *zap.Logger
}

// NewSystemdInstaller creates an installer for the default unit location.
func NewSystemdInstaller(runner domain.CommandRunner, logger *zap.Logger) *SystemdInstaller {
	return NewSystemdInstallerWithDir(DefaultUnitDir, runner, logger)
}

// NewSystemdInstallerWithDir creates an installer rooted at unitDir (for testing).
func NewSystemdInstallerWithDir(unitDir string, runner domain.CommandRunner, logger *zap.Logger) *SystemdInstaller {
	return &SystemdInstaller{
		unitDir:  unitDir,
		unitName: DefaultUnitName,
		runner:   runner,
		logger:   logger,
	}
}

// UnitPath returns the unit file path.
func (m *SystemdInstaller) UnitPath() string {
	return filepath.Join(m.unitDir, m.unitName)
}

// generateUnitContent renders the unit for the given binary and config.
func (m *SystemdInstaller) generateUnitContent(execPath, configPath string) ([]byte, error) {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, unitConfig{
		ExecutablePath: execPath,
		ConfigPath:     configPath,
	}); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}

	return buf.Bytes(), nil
}

// Install writes the unit, reloads systemd and enables the service.
func (m *SystemdInstaller) Install(execPath, configPath string) error {
	if err := os.MkdirAll(m.unitDir, 0755); err != nil {
		return err
	}

	content, err := m.generateUnitContent(execPath, configPath)
	if err != nil {
		return fmt.Errorf("failed to generate unit content: %w", err)
	}

	if err := os.WriteFile(m.UnitPath(), content, 0644); err != nil {
		return err
	}
	m.logger.Info("systemd unit written", zap.String("path", m.UnitPath()))

	if err := m.systemctl("daemon-reload"); err != nil {
		return err
	}
	return m.systemctl("enable " + m.unitName)
}

// Uninstall disables the service and removes the unit.
func (m *SystemdInstaller) Uninstall() error {
	// Not enabled is fine
	if err := m.systemctl("disable " + m.unitName); err != nil {
		m.logger.Debug("disable failed", zap.Error(err))
	}

	if err := os.Remove(m.UnitPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return m.systemctl("daemon-reload")
}

// IsInstalled checks if the unit file exists.
func (m *SystemdInstaller) IsInstalled() bool {
	_, err := os.Stat(m.UnitPath())
	return err == nil
}

// NeedsUpdate checks if the unit exists but has different content than expected.
func (m *SystemdInstaller) NeedsUpdate(execPath, configPath string) bool {
	if !m.IsInstalled() {
		return false // Needs install, not update
	}

	current, err := os.ReadFile(m.UnitPath())
	if err != nil {
		return true
	}

	expected, err := m.generateUnitContent(execPath, configPath)
	if err != nil {
		return true
	}

	return !bytes.Equal(current, expected)
}

func (m *SystemdInstaller) systemctl(args string) error {
	output, code, err := m.runner.Run(context.Background(), "systemctl "+args)
	if err != nil {
		return fmt.Errorf("systemctl %s: %w", args, err)
	}
	if code != 0 {
		return fmt.Errorf("systemctl %s exited with %d: %s", args, code, output)
	}
	return nil
}

// Ensure SystemdInstaller implements domain.ServiceInstaller.
var _ domain.ServiceInstaller = (*SystemdInstaller)(nil)
