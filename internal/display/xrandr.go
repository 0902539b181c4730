// Package display talks to the X display server: xrandr output parsing
// and the RandR extension.
package display

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/htpcwatch/internal/domain"
)

// XrandrCommand is the display tool binary.
const XrandrCommand = "xrandr"

// ErrNoOutput is returned when the display tool produced nothing usable.
var ErrNoOutput = errors.New("display tool produced no output")

var (
	// 1920x1080, 1920x1080i, 1920x1080_60.00
	sizeRe = regexp.MustCompile(`^(\d+)x(\d+)(?:i|_\S*)?$`)
	// 60.00, 60.00*, 60.00*+, 59.94+
	rateRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)([*+]*)$`)
)

type rateToken struct {
	rate      float64
	active    bool
	preferred bool
}

// ParseXrandr turns `xrandr -q` output into one DisplayMode per mode line
// of every connected output. Unrecognized lines are skipped.
func ParseXrandr(output string) []domain.DisplayMode {
	var modes []domain.DisplayMode

	var port string
	var connected, primary bool
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if line[0] != ' ' && line[0] != '\t' {
			// Output header, or the "Screen 0:" summary
			fields := strings.Fields(line)
			connected = len(fields) >= 2 && fields[1] == "connected"
			port = ""
			primary = false
			if connected {
				port = fields[0]
				primary = len(fields) >= 3 && fields[2] == "primary"
			}
			continue
		}

		if !connected {
			continue
		}
		if mode, ok := parseModeLine(port, primary, line); ok {
			modes = append(modes, mode)
		}
	}

	return modes
}

func parseModeLine(port string, primary bool, line string) (domain.DisplayMode, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return domain.DisplayMode{}, false
	}

	size := sizeRe.FindStringSubmatch(fields[0])
	if size == nil {
		return domain.DisplayMode{}, false
	}
	width, _ := strconv.Atoi(size[1])
	height, _ := strconv.Atoi(size[2])

	var rates []rateToken
	for _, tok := range fields[1:] {
		if strings.Trim(tok, "*+") == "" {
			// Flags separated from their rate by a space
			if len(rates) > 0 {
				last := &rates[len(rates)-1]
				last.active = last.active || strings.Contains(tok, "*")
				last.preferred = last.preferred || strings.Contains(tok, "+")
			}
			continue
		}
		m := rateRe.FindStringSubmatch(tok)
		if m == nil {
			continue
		}
		rate, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		rates = append(rates, rateToken{
			rate:      rate,
			active:    strings.Contains(m[2], "*"),
			preferred: strings.Contains(m[2], "+"),
		})
	}

	mode := domain.DisplayMode{
		Port:    port,
		Width:   width,
		Height:  height,
		Primary: primary,
	}
	for _, r := range rates {
		if r.active && !mode.Active {
			mode.Active = true
			mode.Rate = r.rate
		}
		if r.preferred {
			mode.Preferred = true
		}
	}
	if !mode.Active && len(rates) > 0 {
		mode.Rate = rates[0].rate
	}

	return mode, true
}

// XrandrBackend implements domain.DisplayBackend by running xrandr.
type XrandrBackend struct {
	runner domain.CommandRunner
	logger *zap.Logger
}

// NewXrandrBackend creates a backend that shells out to xrandr.
func NewXrandrBackend(runner domain.CommandRunner, logger *zap.Logger) *XrandrBackend {
	return &XrandrBackend{runner: runner, logger: logger}
}

// Name returns the backend name.
func (b *XrandrBackend) Name() string {
	return XrandrCommand
}

// Query runs `xrandr -q` and parses its output.
func (b *XrandrBackend) Query(ctx context.Context) ([]domain.DisplayMode, error) {
	output, code, err := b.runner.Run(ctx, XrandrCommand+" -q")
	if err != nil {
		return nil, fmt.Errorf("running xrandr: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("xrandr exited with %d: %s", code, strings.TrimSpace(output))
	}
	if strings.TrimSpace(output) == "" {
		return nil, ErrNoOutput
	}

	modes := ParseXrandr(output)
	b.logger.Debug("xrandr query parsed", zap.Int("modes", len(modes)))
	return modes, nil
}

// Apply runs `xrandr --output <port> --mode <W>x<H>`.
func (b *XrandrBackend) Apply(ctx context.Context, port string, width, height int) (string, error) {
	cmd := fmt.Sprintf("%s --output %s --mode %dx%d", XrandrCommand, port, width, height)
	output, code, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return output, fmt.Errorf("running %q: %w", cmd, err)
	}
	if code != 0 {
		return output, fmt.Errorf("%q exited with %d", cmd, code)
	}
	return output, nil
}

// Ensure XrandrBackend implements domain.DisplayBackend.
var _ domain.DisplayBackend = (*XrandrBackend)(nil)
