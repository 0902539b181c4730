// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"time"
)

// DisplayMode is one resolution offered by a display output.
// Produced fresh on every probe and never mutated.
type DisplayMode struct {
	Port      string
	Width     int
	Height    int
	Rate      float64 // Active rate if any, else the first listed rate
	Active    bool
	Preferred bool
	Primary   bool // Output is flagged primary by the display server
}

// Resolution returns the mode size in "WxH" form.
func (m DisplayMode) Resolution() string {
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// ScreenSnapshot is the normalized unit of drift comparison.
// Compare with ==; only port and resolution take part.
type ScreenSnapshot struct {
	Port       string `json:"port"`
	Resolution string `json:"resolution"`
}

// NoScreen is stored when no active display mode was found.
var NoScreen = ScreenSnapshot{Port: "None", Resolution: "0x0"}

// SnapshotOf projects a mode onto a snapshot. A nil mode yields NoScreen.
func SnapshotOf(mode *DisplayMode) ScreenSnapshot {
	if mode == nil {
		return NoScreen
	}
	return ScreenSnapshot{Port: mode.Port, Resolution: mode.Resolution()}
}

// RecordingState mirrors the tvheadend DVR entry state.
type RecordingState string

const (
	RecordingScheduled RecordingState = "scheduled"
	RecordingActive    RecordingState = "recording"
	RecordingCompleted RecordingState = "completed"
	RecordingMissed    RecordingState = "missed"
	RecordingInvalid   RecordingState = "invalid"
)

// Recording is a single DVR entry known to the PVR backend.
type Recording struct {
	ID      uint32
	Title   string
	Channel uint32
	Start   time.Time
	Stop    time.Time
	State   RecordingState
}

// Schedule is the set of DVR entries returned by one backend query.
type Schedule []Recording

// Active returns the recordings currently in progress.
func (s Schedule) Active() []Recording {
	var active []Recording
	for _, r := range s {
		if r.State == RecordingActive {
			active = append(active, r)
		}
	}
	return active
}

// Next returns the scheduled recording with the earliest start time.
// Entries whose start already passed but are still scheduled count too:
// they are about to flip to recording.
func (s Schedule) Next() (Recording, bool) {
	var next Recording
	found := false
	for _, r := range s {
		if r.State != RecordingScheduled {
			continue
		}
		if !found || r.Start.Before(next.Start) {
			next = r
			found = true
		}
	}
	return next, found
}

// Phase is the conceptual controller state.
type Phase string

const (
	PhaseGuiActive     Phase = "gui_active"
	PhaseIdleRecording Phase = "idle_recording"
	PhaseTerminating   Phase = "terminating"
)

// DaemonStatus is the persisted view of the controller, read by the status command.
type DaemonStatus struct {
	Version          int            `json:"version"`
	PID              int            `json:"pid"`
	GuiPID           int            `json:"gui_pid,omitempty"`
	GuiNeeded        bool           `json:"gui_needed"`
	RecordingPending bool           `json:"recording_pending"`
	Phase            Phase          `json:"phase"`
	Screen           ScreenSnapshot `json:"screen"`
	LastHeartbeat    int64          `json:"last_heartbeat"`
	AppVersion       string         `json:"app_version,omitempty"`
}
