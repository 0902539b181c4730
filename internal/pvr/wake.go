package pvr

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// DefaultWakeTolerance is how far boot may be from the programmed wake-up.
const DefaultWakeTolerance = 10 * time.Minute

// FileWakeDetector reads the Unix time of the programmed RTC wake-up from
// a file written by the shutdown hook.
type FileWakeDetector struct {
	path      string
	tolerance time.Duration
	clock     domain.Clock
	logger    *zap.Logger
}

// NewFileWakeDetector creates a wake detector for the marker at path.
func NewFileWakeDetector(path string, tolerance time.Duration, clock domain.Clock, logger *zap.Logger) *FileWakeDetector {
	if tolerance <= 0 {
		tolerance = DefaultWakeTolerance
	}
	return &FileWakeDetector{
		path:      path,
		tolerance: tolerance,
		clock:     clock,
		logger:    logger,
	}
}

// WokeForRecording is true iff the marker parses and now is within
// tolerance of it. A missing or garbled marker means a manual boot.
func (d *FileWakeDetector) WokeForRecording() bool {
	wake, err := d.WakeTime()
	if err != nil {
		d.logger.Debug("no usable wake marker",
			zap.String("path", d.path),
			zap.Error(err))
		return false
	}

	diff := d.clock.Now().Sub(wake)
	if diff < 0 {
		diff = -diff
	}
	woke := diff <= d.tolerance
	d.logger.Info("wake marker checked",
		zap.Time("wake", wake),
		zap.Duration("distance", diff),
		zap.Bool("woke_for_recording", woke))
	return woke
}

// WakeTime returns the programmed wake-up time from the marker file.
func (d *FileWakeDetector) WakeTime() (time.Time, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// Ensure FileWakeDetector implements domain.WakeDetector.
var _ domain.WakeDetector = (*FileWakeDetector)(nil)
