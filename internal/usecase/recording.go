package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

const (
	// DefaultFetchAttempts is how often the schedule is fetched before giving up.
	DefaultFetchAttempts = 5

	// DefaultRetryDelay is the fixed pause between fetch attempts.
	DefaultRetryDelay = 2 * time.Second
)

// RetryConfig bounds schedule fetching.
type RetryConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultRetryConfig returns the production retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultFetchAttempts,
		RetryDelay:  DefaultRetryDelay,
	}
}

// RecordingOracle decides whether the host must stay up for a recording.
type RecordingOracle struct {
	backend          domain.RecordingBackend
	bridge           time.Duration
	stayAwakeOnError bool
	retry            RetryConfig
	clock            domain.Clock
	logger           *zap.Logger
}

// NewRecordingOracle creates an oracle. stayAwakeOnError is the answer
// given when the backend cannot be reached at all.
func NewRecordingOracle(
	backend domain.RecordingBackend,
	bridge time.Duration,
	stayAwakeOnError bool,
	clock domain.Clock,
	logger *zap.Logger,
) *RecordingOracle {
	return &RecordingOracle{
		backend:          backend,
		bridge:           bridge,
		stayAwakeOnError: stayAwakeOnError,
		retry:            DefaultRetryConfig(),
		clock:            clock,
		logger:           logger,
	}
}

// WithRetry overrides the retry settings.
func (o *RecordingOracle) WithRetry(cfg RetryConfig) *RecordingOracle {
	o.retry = cfg
	return o
}

// HasActiveOrPendingRecording fetches the schedule and applies the bridge rule.
func (o *RecordingOracle) HasActiveOrPendingRecording(ctx context.Context) bool {
	schedule, err := o.fetch(ctx)
	if err != nil {
		o.logger.Error("recording backend unreachable",
			zap.Int("attempts", o.retry.MaxAttempts),
			zap.Bool("assume_pending", o.stayAwakeOnError),
			zap.Error(err))
		return o.stayAwakeOnError
	}

	pending := Pending(schedule, o.clock.Now(), o.bridge)
	o.logger.Debug("recording check",
		zap.Int("entries", len(schedule)),
		zap.Bool("pending", pending))
	return pending
}

// Pending is true while a recording runs, or the next one starts within bridge.
func Pending(schedule domain.Schedule, now time.Time, bridge time.Duration) bool {
	if len(schedule.Active()) > 0 {
		return true
	}
	next, ok := schedule.Next()
	if !ok {
		return false
	}
	return next.Start.Sub(now) < bridge
}

func (o *RecordingOracle) fetch(ctx context.Context) (domain.Schedule, error) {
	attempts := o.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		schedule, err := o.backend.Schedule(ctx)
		if err == nil {
			return schedule, nil
		}
		lastErr = err
		o.logger.Warn("failed to fetch recording schedule",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, o.retry.RetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// DisabledOracle is used when no recording backend is configured.
type DisabledOracle struct{}

// HasActiveOrPendingRecording always reports false.
func (DisabledOracle) HasActiveOrPendingRecording(ctx context.Context) bool {
	return false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Ensure implementations satisfy interfaces
var _ domain.RecordingOracle = (*RecordingOracle)(nil)
var _ domain.RecordingOracle = DisabledOracle{}
