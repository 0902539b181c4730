// Package config loads the daemon settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where the service unit points the daemon.
const DefaultConfigPath = "/etc/htpc/htpcwatch.toml"

// Display backends.
const (
	DisplayBackendXrandr = "xrandr"
	DisplayBackendRandR  = "randr"
)

// ErrMissingKey is returned when a required key is absent from the file.
var ErrMissingKey = errors.New("missing required config key")

// Settings is read once before the loop starts and never mutated.
type Settings struct {
	Paths     PathsConfig     `toml:"Paths"`
	Commands  CommandsConfig  `toml:"Commands"`
	Times     TimesConfig     `toml:"Times"`
	Options   OptionsConfig   `toml:"Options"`
	Tvheadend TvheadendConfig `toml:"Tvheadend"`
}

type PathsConfig struct {
	WakePersistent string `toml:"wake_persistent"`
	LogFile        string `toml:"log_file"`
	StatusFile     string `toml:"status_file"`
	AcpidSocket    string `toml:"acpid_socket"`
}

type CommandsConfig struct {
	GuiLoad      string `toml:"gui_load"`
	GuiStop      string `toml:"gui_stop"`
	Shutdown     string `toml:"shutdown"`
	SetupDisplay string `toml:"setup_display"`
}

type TimesConfig struct {
	RecBridge     Seconds `toml:"rec_bridge"`
	XrandrWait    Seconds `toml:"xrandr_wait"`
	RecChecking   Seconds `toml:"rec_checking"`
	WakeTolerance Seconds `toml:"wake_tolerance"`
}

type OptionsConfig struct {
	CheckResolution         YesNo  `toml:"check_resolution"`
	UseTvheadend            YesNo  `toml:"use_tvheadend"`
	DisplayBackend          string `toml:"display_backend"`
	InhibitPowerKey         YesNo  `toml:"inhibit_power_key"`
	ShutdownViaLogind       YesNo  `toml:"shutdown_via_logind"`
	StayAwakeOnBackendError YesNo  `toml:"stay_awake_on_backend_error"`
}

type TvheadendConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LoadResult carries the settings plus non-fatal findings.
type LoadResult struct {
	Settings Settings
	Warnings []string
}

// requiredKeys must be present in the file, even when their value is empty.
var requiredKeys = [][]string{
	{"Paths", "wake_persistent"},
	{"Commands", "gui_load"},
	{"Commands", "gui_stop"},
	{"Commands", "shutdown"},
	{"Times", "rec_bridge"},
	{"Times", "xrandr_wait"},
	{"Times", "rec_checking"},
	{"Options", "check_resolution"},
	{"Options", "use_tvheadend"},
}

// DefaultSettings returns values for the optional keys.
func DefaultSettings() Settings {
	return Settings{
		Paths: PathsConfig{
			LogFile:     "/var/log/htpcwatch.log",
			StatusFile:  "/run/htpcwatch/status.json",
			AcpidSocket: "/var/run/acpid.socket",
		},
		Times: TimesConfig{
			WakeTolerance: Seconds(10 * time.Minute),
		},
		Options: OptionsConfig{
			DisplayBackend: DisplayBackendXrandr,
		},
		Tvheadend: TvheadendConfig{
			Host: "localhost",
			Port: 9982,
		},
	}
}

// Load reads and validates the settings file.
func Load(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes settings from TOML text.
func Parse(data string) (*LoadResult, error) {
	result := &LoadResult{Settings: DefaultSettings()}

	md, err := toml.Decode(data, &result.Settings)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	var missing []string
	for _, key := range requiredKeys {
		if !md.IsDefined(key...) {
			missing = append(missing, strings.Join(key, "."))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}

	for _, key := range md.Undecoded() {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown config key: %q", key.String()))
	}

	if err := Validate(&result.Settings); err != nil {
		return nil, err
	}

	return result, nil
}

// Validate checks value ranges after decoding.
func Validate(s *Settings) error {
	if strings.TrimSpace(s.Commands.GuiLoad) == "" {
		return errors.New("Commands.gui_load must not be empty")
	}
	if s.Paths.WakePersistent == "" {
		return errors.New("Paths.wake_persistent must not be empty")
	}

	durations := map[string]Seconds{
		"Times.rec_bridge":     s.Times.RecBridge,
		"Times.xrandr_wait":    s.Times.XrandrWait,
		"Times.rec_checking":   s.Times.RecChecking,
		"Times.wake_tolerance": s.Times.WakeTolerance,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	switch s.Options.DisplayBackend {
	case DisplayBackendXrandr, DisplayBackendRandR:
	default:
		return fmt.Errorf("Options.display_backend must be %q or %q, got %q",
			DisplayBackendXrandr, DisplayBackendRandR, s.Options.DisplayBackend)
	}

	if s.Options.UseTvheadend.Bool() {
		if s.Tvheadend.Host == "" {
			return errors.New("Tvheadend.host must not be empty")
		}
		if s.Tvheadend.Port <= 0 || s.Tvheadend.Port > 65535 {
			return fmt.Errorf("Tvheadend.port out of range: %d", s.Tvheadend.Port)
		}
	}

	return nil
}

// Seconds is a duration written in the file as a number of seconds.
type Seconds time.Duration

// maxSeconds is the largest value that fits a time.Duration.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// UnmarshalTOML accepts integer or float seconds.
func (s *Seconds) UnmarshalTOML(v interface{}) error {
	switch n := v.(type) {
	case int64:
		if n > maxSeconds || n < -maxSeconds {
			return fmt.Errorf("seconds value out of range: %d", n)
		}
		*s = Seconds(time.Duration(n) * time.Second)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fmt.Errorf("invalid seconds value: %v", n)
		}
		if n > float64(maxSeconds) || n < -float64(maxSeconds) {
			return fmt.Errorf("seconds value out of range: %v", n)
		}
		*s = Seconds(time.Duration(n * float64(time.Second)))
	default:
		return fmt.Errorf("expected seconds as a number, got %T", v)
	}
	return nil
}

// Duration converts to time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// YesNo is a boolean that also accepts the INI-style spellings of the old config.
type YesNo bool

// UnmarshalTOML accepts TOML booleans and yes/no/true/false/on/off/1/0 strings.
func (b *YesNo) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case bool:
		*b = YesNo(val)
		return nil
	case int64:
		if val == 0 || val == 1 {
			*b = val == 1
			return nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "yes", "true", "on", "1":
			*b = true
			return nil
		case "no", "false", "off", "0":
			*b = false
			return nil
		}
	}
	return fmt.Errorf("expected yes/no, got %v", v)
}

// Bool converts to bool.
func (b YesNo) Bool() bool {
	return bool(b)
}
