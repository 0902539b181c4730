// Package usecase contains the display and recording policies the
// watchdog consults.
package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// DisplayProbe answers display questions on top of a display backend.
// Every failure degrades to "no data"; nothing here is fatal.
type DisplayProbe struct {
	backend domain.DisplayBackend
	runner  domain.CommandRunner
	logger  *zap.Logger
}

// NewDisplayProbe creates a display probe.
func NewDisplayProbe(backend domain.DisplayBackend, runner domain.CommandRunner, logger *zap.Logger) *DisplayProbe {
	return &DisplayProbe{
		backend: backend,
		runner:  runner,
		logger:  logger,
	}
}

// Backend returns the underlying display backend.
func (p *DisplayProbe) Backend() domain.DisplayBackend {
	return p.backend
}

// Query returns all modes, or none when the backend failed.
func (p *DisplayProbe) Query(ctx context.Context) []domain.DisplayMode {
	modes, err := p.backend.Query(ctx)
	if err != nil {
		p.logger.Warn("display query failed",
			zap.String("backend", p.backend.Name()),
			zap.Error(err))
		return nil
	}
	return modes
}

// Current returns the active mode of the primary output.
func (p *DisplayProbe) Current(ctx context.Context) *domain.DisplayMode {
	return CurrentMode(p.Query(ctx))
}

// Preferred returns the preferred mode of the primary output, else its first mode.
func (p *DisplayProbe) Preferred(ctx context.Context) *domain.DisplayMode {
	return PreferredMode(p.Query(ctx))
}

// Snapshot returns the current screen snapshot, NoScreen when nothing is active.
// ok is false when the backend could not be queried; the snapshot is then meaningless.
func (p *DisplayProbe) Snapshot(ctx context.Context) (snapshot domain.ScreenSnapshot, ok bool) {
	modes, err := p.backend.Query(ctx)
	if err != nil {
		p.logger.Warn("display query failed",
			zap.String("backend", p.backend.Name()),
			zap.Error(err))
		return domain.NoScreen, false
	}
	return domain.SnapshotOf(CurrentMode(modes)), true
}

// Apply sets a mode. Failures are logged with the tool's diagnostics.
func (p *DisplayProbe) Apply(ctx context.Context, port string, width, height int) (bool, string) {
	diag, err := p.backend.Apply(ctx, port, width, height)
	if err != nil {
		p.logger.Warn("failed to apply display mode",
			zap.String("port", port),
			zap.Int("width", width),
			zap.Int("height", height),
			zap.String("diagnostics", diag),
			zap.Error(err))
		return false, diag
	}
	p.logger.Info("display mode applied",
		zap.String("port", port),
		zap.Int("width", width),
		zap.Int("height", height))
	return true, diag
}

// Setup restores the display: the explicit setup command when configured,
// otherwise the preferred mode of the primary output.
func (p *DisplayProbe) Setup(ctx context.Context, setupCommand string) bool {
	if setupCommand != "" {
		output, code, err := p.runner.Run(ctx, setupCommand)
		if err != nil || code != 0 {
			p.logger.Warn("display setup command failed",
				zap.String("command", setupCommand),
				zap.Int("exit_code", code),
				zap.String("output", output),
				zap.Error(err))
			return false
		}
		p.logger.Info("display setup command ran", zap.String("command", setupCommand))
		return true
	}

	preferred := p.Preferred(ctx)
	if preferred == nil {
		p.logger.Warn("no preferred display mode, skipping display setup")
		return false
	}
	ok, _ := p.Apply(ctx, preferred.Port, preferred.Width, preferred.Height)
	return ok
}

// primaryPort is the output flagged primary, else the first listed.
func primaryPort(modes []domain.DisplayMode) (string, bool) {
	if len(modes) == 0 {
		return "", false
	}
	for _, m := range modes {
		if m.Primary {
			return m.Port, true
		}
	}
	return modes[0].Port, true
}

// CurrentMode picks the active mode of the primary output.
func CurrentMode(modes []domain.DisplayMode) *domain.DisplayMode {
	port, ok := primaryPort(modes)
	if !ok {
		return nil
	}
	for i := range modes {
		if modes[i].Port == port && modes[i].Active {
			m := modes[i]
			return &m
		}
	}
	return nil
}

// PreferredMode picks the preferred mode of the primary output, else its first mode.
func PreferredMode(modes []domain.DisplayMode) *domain.DisplayMode {
	port, ok := primaryPort(modes)
	if !ok {
		return nil
	}
	var first *domain.DisplayMode
	for i := range modes {
		if modes[i].Port != port {
			continue
		}
		if modes[i].Preferred {
			m := modes[i]
			return &m
		}
		if first == nil {
			m := modes[i]
			first = &m
		}
	}
	return first
}
