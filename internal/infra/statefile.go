package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// StatusFileVersion is the schema version written to the status file.
const StatusFileVersion = 1

// FileStatusStore implements domain.StatusStore using a JSON file.
type FileStatusStore struct {
	path string
}

// NewFileStatusStore creates a status store at path.
func NewFileStatusStore(path string) *FileStatusStore {
	return &FileStatusStore{path: path}
}

// Path returns the status file path.
func (s *FileStatusStore) Path() string {
	return s.path
}

// Write saves the status with a fresh heartbeat.
func (s *FileStatusStore) Write(status domain.DaemonStatus) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	// The status command may read while the daemon writes
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	status.Version = StatusFileVersion
	status.LastHeartbeat = time.Now().Unix()
	return s.atomicWrite(&status)
}

// Read returns the stored status, or nil if no daemon has written one.
func (s *FileStatusStore) Read() (*domain.DaemonStatus, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var status domain.DaemonStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("corrupt status file %s: %w", s.path, err)
	}

	return &status, nil
}

// Clear removes the status file and its lock.
func (s *FileStatusStore) Clear() error {
	_ = os.Remove(s.path + ".lock")
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsStale reports whether a status heartbeat is older than maxAge.
func IsStale(status *domain.DaemonStatus, now time.Time, maxAge time.Duration) bool {
	if status == nil {
		return true
	}
	return now.Sub(time.Unix(status.LastHeartbeat, 0)) > maxAge
}

// atomicWrite writes the status to file atomically (write + rename).
func (s *FileStatusStore) atomicWrite(status *domain.DaemonStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}

	// Unique per process so a concurrent status command never sees a partial file
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileStatusStore implements domain.StatusStore.
var _ domain.StatusStore = (*FileStatusStore)(nil)
