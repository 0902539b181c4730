package fixtures

import (
	"net"
	"sync"
)

// PowerButtonLine is what acpid broadcasts for a power-button press.
const PowerButtonLine = "button/power PBTN 00000080 00000000\n"

// FakeAcpid serves the acpid event socket and broadcasts events to clients.
type FakeAcpid struct {
	Path string

	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
}

// StartFakeAcpid listens on path until Close.
func StartFakeAcpid(path string) (*FakeAcpid, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	a := &FakeAcpid{Path: path, listener: l}
	go a.accept()
	return a, nil
}

func (a *FakeAcpid) accept() {
	for {
		c, err := a.listener.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conns = append(a.conns, c)
		a.mu.Unlock()
	}
}

// Clients returns the number of accepted connections.
func (a *FakeAcpid) Clients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Send writes an event line to every client.
func (a *FakeAcpid) Send(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conns {
		if _, err := c.Write([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// PressPowerButton broadcasts a power-button event.
func (a *FakeAcpid) PressPowerButton() error {
	return a.Send(PowerButtonLine)
}

// Close stops listening and drops all clients.
func (a *FakeAcpid) Close() error {
	err := a.listener.Close()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conns {
		c.Close()
	}
	a.conns = nil
	return err
}
