package display

import (
	"context"
	"fmt"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// RandRBackendName identifies the RandR backend in logs and config.
const RandRBackendName = "randr"

// Output is one RandR output as seen on the X server.
type Output struct {
	id randr.Output

	Name         string
	Connected    bool
	Primary      bool
	Crtc         randr.Crtc
	Modes        []Mode
	NumPreferred int
	CurrentMode  randr.Mode // 0 when the output is off
}

// Mode is one RandR mode.
type Mode struct {
	id randr.Mode

	Width, Height uint16
	Rate          float64
}

// ModesFromOutputs maps RandR outputs onto display modes, in output order.
// Disconnected outputs contribute nothing.
func ModesFromOutputs(outputs []Output) []domain.DisplayMode {
	var modes []domain.DisplayMode
	for _, out := range outputs {
		if !out.Connected {
			continue
		}
		for i, m := range out.Modes {
			modes = append(modes, domain.DisplayMode{
				Port:      out.Name,
				Width:     int(m.Width),
				Height:    int(m.Height),
				Rate:      m.Rate,
				Active:    out.CurrentMode != 0 && m.id == out.CurrentMode,
				Preferred: i < out.NumPreferred,
				Primary:   out.Primary,
			})
		}
	}
	return modes
}

// refreshRate computes the vertical refresh of a mode in Hz.
func refreshRate(info randr.ModeInfo) float64 {
	if info.Htotal == 0 || info.Vtotal == 0 {
		return 0
	}
	return float64(info.DotClock) / (float64(info.Htotal) * float64(info.Vtotal))
}

// RandRBackend implements domain.DisplayBackend on the X11 RandR extension.
type RandRBackend struct {
	conn   *xgb.Conn
	root   xproto.Window
	logger *zap.Logger
}

// NewRandRBackend connects to the X server named by $DISPLAY and
// initializes RandR. Callers fall back to xrandr on error.
func NewRandRBackend(logger *zap.Logger) (*RandRBackend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("connecting to X server: %w", err)
	}
	if err := randr.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing RandR: %w", err)
	}

	root := xproto.Setup(conn).DefaultScreen(conn).Root
	return &RandRBackend{conn: conn, root: root, logger: logger}, nil
}

// Name returns the backend name.
func (b *RandRBackend) Name() string {
	return RandRBackendName
}

// Close disconnects from the X server.
func (b *RandRBackend) Close() {
	b.conn.Close()
}

// Query returns the modes of every connected output.
func (b *RandRBackend) Query(ctx context.Context) ([]domain.DisplayMode, error) {
	outputs, _, err := b.outputs()
	if err != nil {
		return nil, err
	}
	return ModesFromOutputs(outputs), nil
}

// Apply sets the mode on the CRTC driving port, keeping its position and rotation.
func (b *RandRBackend) Apply(ctx context.Context, port string, width, height int) (string, error) {
	outputs, res, err := b.outputs()
	if err != nil {
		return "", err
	}

	var target *Output
	for i := range outputs {
		if outputs[i].Name == port && outputs[i].Connected {
			target = &outputs[i]
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("output %s not connected", port)
	}

	var mode randr.Mode
	for _, m := range target.Modes {
		if int(m.Width) == width && int(m.Height) == height {
			mode = m.id
			break
		}
	}
	if mode == 0 {
		return "", fmt.Errorf("output %s has no mode %dx%d", port, width, height)
	}

	crtc := target.Crtc
	var x, y int16
	rotation := uint16(randr.RotationRotate0)
	if crtc != 0 {
		info, err := randr.GetCrtcInfo(b.conn, crtc, res.ConfigTimestamp).Reply()
		if err != nil {
			return "", fmt.Errorf("reading CRTC of %s: %w", port, err)
		}
		x, y, rotation = info.X, info.Y, info.Rotation
	} else {
		oi, err := randr.GetOutputInfo(b.conn, target.id, res.ConfigTimestamp).Reply()
		if err != nil {
			return "", fmt.Errorf("reading output %s: %w", port, err)
		}
		if len(oi.Crtcs) == 0 {
			return "", fmt.Errorf("output %s has no usable CRTC", port)
		}
		crtc = oi.Crtcs[0]
	}

	reply, err := randr.SetCrtcConfig(b.conn, crtc, xproto.TimeCurrentTime, res.ConfigTimestamp,
		x, y, mode, rotation, []randr.Output{target.id}).Reply()
	if err != nil {
		return "", fmt.Errorf("setting mode on %s: %w", port, err)
	}
	if reply.Status != randr.SetConfigSuccess {
		return fmt.Sprintf("status %d", reply.Status), fmt.Errorf("setting mode on %s refused", port)
	}

	b.logger.Info("RandR mode applied",
		zap.String("port", port),
		zap.Int("width", width),
		zap.Int("height", height))
	return "", nil
}

func (b *RandRBackend) outputs() ([]Output, *randr.GetScreenResourcesCurrentReply, error) {
	res, err := randr.GetScreenResourcesCurrent(b.conn, b.root).Reply()
	if err != nil {
		return nil, nil, fmt.Errorf("reading screen resources: %w", err)
	}

	var primary randr.Output
	if p, err := randr.GetOutputPrimary(b.conn, b.root).Reply(); err == nil {
		primary = p.Output
	}

	modeInfo := make(map[randr.Mode]randr.ModeInfo, len(res.Modes))
	for _, m := range res.Modes {
		modeInfo[randr.Mode(m.Id)] = m
	}

	outputs := make([]Output, 0, len(res.Outputs))
	for _, id := range res.Outputs {
		info, err := randr.GetOutputInfo(b.conn, id, res.ConfigTimestamp).Reply()
		if err != nil {
			b.logger.Debug("skipping unreadable output", zap.Uint32("output", uint32(id)), zap.Error(err))
			continue
		}

		out := Output{
			id:           id,
			Name:         string(info.Name),
			Connected:    info.Connection == randr.ConnectionConnected,
			Primary:      id == primary,
			Crtc:         info.Crtc,
			NumPreferred: int(info.NumPreferred),
		}
		for _, mid := range info.Modes {
			mi, ok := modeInfo[mid]
			if !ok {
				continue
			}
			out.Modes = append(out.Modes, Mode{
				id:     mid,
				Width:  mi.Width,
				Height: mi.Height,
				Rate:   refreshRate(mi),
			})
		}
		if info.Crtc != 0 {
			crtc, err := randr.GetCrtcInfo(b.conn, info.Crtc, res.ConfigTimestamp).Reply()
			if err == nil {
				out.CurrentMode = crtc.Mode
			}
		}
		outputs = append(outputs, out)
	}

	return outputs, res, nil
}

// Ensure RandRBackend implements domain.DisplayBackend.
var _ domain.DisplayBackend = (*RandRBackend)(nil)
