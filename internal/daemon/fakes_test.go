package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// recorder is a shared, ordered log of collaborator calls.
type recorder struct {
	events []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// fakeClock is advanced only by the fake sleeper.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) sleeper(rec *recorder) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec != nil && d != time.Second {
			rec.add("sleep %s", d)
		}
		c.now = c.now.Add(d)
		return nil
	}
}

// fakePower reports scripted presses, one entry per poll.
type fakePower struct {
	presses []bool
	polls   int
}

func (p *fakePower) PollPressed(ctx context.Context, timeout time.Duration) bool {
	p.polls++
	if len(p.presses) == 0 {
		return false
	}
	pressed := p.presses[0]
	p.presses = p.presses[1:]
	return pressed
}

func (p *fakePower) Close() error { return nil }

// displayUnreachable scripts a failed display query.
var displayUnreachable = domain.ScreenSnapshot{Port: "unreachable"}

// fakeDisplay returns scripted snapshots; the last one repeats.
type fakeDisplay struct {
	rec       *recorder
	snapshots []domain.ScreenSnapshot
	setups    int
}

func (d *fakeDisplay) Snapshot(ctx context.Context) (domain.ScreenSnapshot, bool) {
	if d.rec != nil {
		d.rec.add("snapshot")
	}
	if len(d.snapshots) == 0 {
		return domain.NoScreen, true
	}
	s := d.snapshots[0]
	if len(d.snapshots) > 1 {
		d.snapshots = d.snapshots[1:]
	}
	if s == displayUnreachable {
		return domain.NoScreen, false
	}
	return s, true
}

func (d *fakeDisplay) Setup(ctx context.Context, setupCommand string) bool {
	d.setups++
	if d.rec != nil {
		d.rec.add("setup %s", setupCommand)
	}
	return true
}

// fakeOracle returns a fixed answer.
type fakeOracle struct {
	pending bool
	calls   int
}

func (o *fakeOracle) HasActiveOrPendingRecording(ctx context.Context) bool {
	o.calls++
	return o.pending
}

type fakeWake struct {
	woke bool
}

func (w fakeWake) WokeForRecording() bool { return w.woke }

// fakeHandle is a GUI process the test can crash.
type fakeHandle struct {
	pid    int
	exited bool
}

func (h *fakeHandle) PID() int     { return h.pid }
func (h *fakeHandle) Exited() bool { return h.exited }

// fakeSupervisor hands out fake handles and records start/stop.
type fakeSupervisor struct {
	rec     *recorder
	started []*fakeHandle
	stops   int
	nextPID int
}

func (s *fakeSupervisor) Start(ctx context.Context, command string) (domain.ProcessHandle, error) {
	s.nextPID++
	h := &fakeHandle{pid: 1000 + s.nextPID}
	s.started = append(s.started, h)
	if s.rec != nil {
		s.rec.add("start %s", command)
	}
	return h, nil
}

func (s *fakeSupervisor) IsRunning(h domain.ProcessHandle) bool {
	return h != nil && !h.Exited()
}

func (s *fakeSupervisor) Stop(ctx context.Context, h domain.ProcessHandle, stopCommand string) error {
	s.stops++
	if fh, ok := h.(*fakeHandle); ok {
		fh.exited = true
	}
	if s.rec != nil {
		s.rec.add("stop")
	}
	return nil
}

func (s *fakeSupervisor) running() int {
	n := 0
	for _, h := range s.started {
		if !h.exited {
			n++
		}
	}
	return n
}

type fakeShutdowner struct {
	calls int
}

func (s *fakeShutdowner) Shutdown(ctx context.Context) error {
	s.calls++
	return nil
}

// memoryStatus keeps the last written status.
type memoryStatus struct {
	last   *domain.DaemonStatus
	writes int
}

func (m *memoryStatus) Write(status domain.DaemonStatus) error {
	m.last = &status
	m.writes++
	return nil
}

func (m *memoryStatus) Read() (*domain.DaemonStatus, error) { return m.last, nil }
func (m *memoryStatus) Clear() error                        { m.last = nil; return nil }
func (m *memoryStatus) Path() string                        { return "memory" }

// Ensure fakes implement domain interfaces
var _ domain.PowerEventSource = (*fakePower)(nil)
var _ Display = (*fakeDisplay)(nil)
var _ domain.RecordingOracle = (*fakeOracle)(nil)
var _ domain.WakeDetector = fakeWake{}
var _ domain.ProcessSupervisor = (*fakeSupervisor)(nil)
var _ domain.Shutdowner = (*fakeShutdowner)(nil)
var _ domain.StatusStore = (*memoryStatus)(nil)
