// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// guiScript forks two long-running children, like a front-end that
// launches helpers, and records every PID it owns.
const guiScript = `#!/bin/sh
sleep 300 &
echo $! >> %[1]s
sleep 300 &
echo $! >> %[1]s
echo $$ >> %[1]s
wait
`

// FakeGUI is a GUI stand-in that spawns a small process tree.
type FakeGUI struct {
	Dir string
}

// NewFakeGUI creates a new fake GUI rooted at dir.
func NewFakeGUI(dir string) *FakeGUI {
	return &FakeGUI{Dir: dir}
}

// Create writes the launcher script.
func (g *FakeGUI) Create() error {
	script := fmt.Sprintf(guiScript, g.pidFile())
	return os.WriteFile(g.scriptPath(), []byte(script), 0755)
}

// Command returns the gui_load command line.
func (g *FakeGUI) Command() string {
	return "sh " + g.scriptPath()
}

// Launches returns how many times the script has started.
func (g *FakeGUI) Launches() int {
	return len(g.PIDs()) / 3
}

// PIDs returns every PID recorded so far, across launches.
func (g *FakeGUI) PIDs() []int {
	data, err := os.ReadFile(g.pidFile())
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Split(string(data), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Cleanup removes the script and PID file.
func (g *FakeGUI) Cleanup() error {
	os.Remove(g.scriptPath())
	os.Remove(g.pidFile())
	return nil
}

func (g *FakeGUI) scriptPath() string {
	return filepath.Join(g.Dir, "fake_gui.sh")
}

func (g *FakeGUI) pidFile() string {
	return filepath.Join(g.Dir, "gui.pids")
}
