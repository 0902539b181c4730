package infra

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

const (
	// PowerButtonEvent is the acpid event class of the power button.
	PowerButtonEvent = "button/power"

	acpiDialTimeout  = time.Second
	acpiReadBufSize  = 1024
	maxPendingLength = 4096
)

// AcpiEventSource implements domain.PowerEventSource on the acpid socket.
// When the socket is missing it reports no presses and reconnects once
// acpid creates the socket again.
type AcpiEventSource struct {
	path    string
	conn    net.Conn
	watcher *fsnotify.Watcher
	buf     []byte
	logger  *zap.Logger

	pending     string // incomplete line carried to the next poll
	skipPending bool   // pending line was already reported
}

// NewAcpiEventSource connects to the acpid socket at path.
// A missing socket is not an error: the source degrades to never pressed.
func NewAcpiEventSource(path string, logger *zap.Logger) *AcpiEventSource {
	s := &AcpiEventSource{
		path:   path,
		buf:    make([]byte, acpiReadBufSize),
		logger: logger,
	}

	if err := s.connect(); err != nil {
		logger.Warn("acpid socket unavailable, power button ignored until it appears",
			zap.String("path", path),
			zap.Error(err))
	}
	s.watch()

	return s
}

// PollPressed waits up to timeout for acpid data and reports a power-button line.
func (s *AcpiEventSource) PollPressed(ctx context.Context, timeout time.Duration) bool {
	if s.socketRecreated() {
		s.logger.Info("acpid socket recreated, reconnecting", zap.String("path", s.path))
		s.disconnect()
		if err := s.connect(); err != nil {
			s.logger.Warn("failed to reconnect to acpid", zap.Error(err))
		}
	}
	if s.conn == nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		s.logger.Warn("failed to set acpid read deadline", zap.Error(err))
		s.disconnect()
		return false
	}

	n, err := s.conn.Read(s.buf)
	pressed := s.scan(string(s.buf[:n]))

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return pressed
		}
		s.logger.Warn("acpid connection lost", zap.Error(err))
		s.disconnect()
		// acpid may already be back; otherwise wait for the socket to reappear
		if err := s.connect(); err == nil {
			s.logger.Info("reconnected to acpid", zap.String("path", s.path))
		}
	}

	return pressed
}

// Close releases the socket and the directory watcher.
func (s *AcpiEventSource) Close() error {
	s.disconnect()
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}

// Connected reports whether the acpid socket is currently open.
func (s *AcpiEventSource) Connected() bool {
	return s.conn != nil
}

// scan splits data into lines and reports whether any carries the power-button event.
func (s *AcpiEventSource) scan(data string) bool {
	if data == "" {
		return false
	}

	lines := strings.Split(s.pending+data, "\n")
	tail := lines[len(lines)-1]
	complete := lines[:len(lines)-1]

	pressed := false
	for i, line := range complete {
		if i == 0 && s.skipPending {
			continue
		}
		if strings.Contains(line, PowerButtonEvent) {
			pressed = true
		}
	}
	if len(complete) > 0 {
		s.skipPending = false
	}

	if !s.skipPending && strings.Contains(tail, PowerButtonEvent) {
		pressed = true
		s.skipPending = true
	}

	s.pending = tail
	if len(s.pending) > maxPendingLength {
		s.pending = ""
		s.skipPending = false
	}

	return pressed
}

func (s *AcpiEventSource) connect() error {
	conn, err := net.DialTimeout("unix", s.path, acpiDialTimeout)
	if err != nil {
		return err
	}
	s.conn = conn
	s.pending = ""
	s.skipPending = false
	s.logger.Info("connected to acpid", zap.String("path", s.path))
	return nil
}

func (s *AcpiEventSource) disconnect() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// watch subscribes to the socket directory so a restarted acpid is picked up.
func (s *AcpiEventSource) watch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("failed to create acpid socket watcher", zap.Error(err))
		return
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		s.logger.Warn("failed to watch acpid socket directory",
			zap.String("dir", dir),
			zap.Error(err))
		return
	}
	s.watcher = w
}

// socketRecreated drains pending watcher events without blocking.
func (s *AcpiEventSource) socketRecreated() bool {
	if s.watcher == nil {
		return false
	}

	recreated := false
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				s.watcher = nil
				return recreated
			}
			if filepath.Clean(event.Name) == filepath.Clean(s.path) && event.Has(fsnotify.Create) {
				recreated = true
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.watcher = nil
				return recreated
			}
			s.logger.Debug("acpid socket watcher error", zap.Error(err))
		default:
			return recreated
		}
	}
}

// Ensure AcpiEventSource implements domain.PowerEventSource.
var _ domain.PowerEventSource = (*AcpiEventSource)(nil)
