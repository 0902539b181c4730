package infra

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// CommandShutdowner powers off by running the configured shutdown command.
type CommandShutdowner struct {
	runner  domain.CommandRunner
	command string
	logger  *zap.Logger
}

// NewCommandShutdowner creates a shutdowner. An empty command turns
// Shutdown into a logged no-op.
func NewCommandShutdowner(runner domain.CommandRunner, command string, logger *zap.Logger) *CommandShutdowner {
	return &CommandShutdowner{
		runner:  runner,
		command: command,
		logger:  logger,
	}
}

// Shutdown runs the shutdown command.
func (s *CommandShutdowner) Shutdown(ctx context.Context) error {
	if s.command == "" {
		s.logger.Warn("no shutdown command configured, leaving host running")
		return nil
	}

	s.logger.Info("running shutdown command", zap.String("command", s.command))
	output, code, err := s.runner.Run(ctx, s.command)
	if err != nil {
		return fmt.Errorf("shutdown command failed: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("shutdown command exited with %d: %s", code, output)
	}
	return nil
}

// LogindShutdowner powers off through logind, falling back to a command.
type LogindShutdowner struct {
	client   *LogindClient
	fallback domain.Shutdowner
	logger   *zap.Logger
}

// NewLogindShutdowner creates a logind shutdowner with an optional fallback.
func NewLogindShutdowner(client *LogindClient, fallback domain.Shutdowner, logger *zap.Logger) *LogindShutdowner {
	return &LogindShutdowner{
		client:   client,
		fallback: fallback,
		logger:   logger,
	}
}

// Shutdown calls logind PowerOff; on failure the fallback runs.
func (s *LogindShutdowner) Shutdown(ctx context.Context) error {
	s.logger.Info("requesting power off from logind")
	err := s.client.PowerOff(ctx)
	if err == nil {
		return nil
	}
	if s.fallback == nil {
		return err
	}

	s.logger.Warn("logind power off failed, using shutdown command", zap.Error(err))
	return s.fallback.Shutdown(ctx)
}

// Ensure implementations satisfy interfaces
var _ domain.Shutdowner = (*CommandShutdowner)(nil)
var _ domain.Shutdowner = (*LogindShutdowner)(nil)
