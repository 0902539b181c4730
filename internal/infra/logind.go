package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	logindDest       = "org.freedesktop.login1"
	logindPath       = dbus.ObjectPath("/org/freedesktop/login1")
	logindInhibit    = "org.freedesktop.login1.Manager.Inhibit"
	logindPowerOff   = "org.freedesktop.login1.Manager.PowerOff"
	inhibitPowerKey  = "handle-power-key"
	inhibitModeBlock = "block"
)

// busObject is the part of dbus.BusObject the logind client needs.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// LogindClient talks to systemd-logind on the system bus.
type LogindClient struct {
	conn   *dbus.Conn
	obj    busObject
	logger *zap.Logger
}

// NewLogindClient dials its own system bus connection to logind; Close
// does not affect other bus users.
func NewLogindClient(logger *zap.Logger) (*LogindClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &LogindClient{
		conn:   conn,
		obj:    conn.Object(logindDest, logindPath),
		logger: logger,
	}, nil
}

// newLogindClientWithObject is used by tests to inject a fake bus object.
func newLogindClientWithObject(obj busObject, logger *zap.Logger) *LogindClient {
	return &LogindClient{obj: obj, logger: logger}
}

// Inhibitor holds a logind inhibitor lock until closed.
type Inhibitor struct {
	file *os.File
}

// Close releases the inhibitor lock.
func (i *Inhibitor) Close() error {
	if i == nil || i.file == nil {
		return nil
	}
	err := i.file.Close()
	i.file = nil
	return err
}

// InhibitPowerKey takes a block lock on handle-power-key so logind leaves
// the power button to us.
func (c *LogindClient) InhibitPowerKey(ctx context.Context, who, why string) (*Inhibitor, error) {
	var fd dbus.UnixFD
	call := c.obj.CallWithContext(ctx, logindInhibit, 0, inhibitPowerKey, who, why, inhibitModeBlock)
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("logind inhibit failed: %w", err)
	}

	c.logger.Info("logind power key inhibitor taken",
		zap.String("who", who),
		zap.Int32("fd", int32(fd)))

	return &Inhibitor{file: os.NewFile(uintptr(fd), "logind-inhibitor")}, nil
}

// PowerOff asks logind to power the machine off without interactive auth.
func (c *LogindClient) PowerOff(ctx context.Context) error {
	if err := c.obj.CallWithContext(ctx, logindPowerOff, 0, false).Err; err != nil {
		return fmt.Errorf("logind power off failed: %w", err)
	}
	return nil
}

// Close closes the bus connection.
func (c *LogindClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
