package config

import (
	"fmt"
	"strings"
	"time"
)

// Preset names a sensor combination. Presets label recorded sessions so a
// directory name alone tells you what was captured.
type Preset string

const (
	Conf01 Preset = "CONF01" // cameras + LIDAR
	Conf02 Preset = "CONF02" // cameras + depth unit
	Conf03 Preset = "CONF03" // depth unit only
	Conf04 Preset = "CONF04" // cameras only
	Conf05 Preset = "CONF05" // all sensors
)

// Description returns the human-readable sensor combination.
func (p Preset) Description() string {
	switch p {
	case Conf01:
		return "Cameras + LIDAR"
	case Conf02:
		return "Cameras + Depth"
	case Conf03:
		return "Depth Only"
	case Conf04:
		return "Cameras Only"
	case Conf05:
		return "All Sensors"
	default:
		return "Unknown"
	}
}

// ParsePreset validates a preset name.
func ParsePreset(s string) (Preset, error) {
	p := Preset(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case Conf01, Conf02, Conf03, Conf04, Conf05:
		return p, nil
	}
	return "", fmt.Errorf("unknown preset %q", s)
}

// SessionPreset returns the configured preset, or derives one from the
// enabled sensors.
func (c *Config) SessionPreset() Preset {
	if c.Preset != nil {
		if p, err := ParsePreset(*c.Preset); err == nil {
			return p
		}
	}

	cams := len(c.Cameras) > 0
	lidar := c.Lidar != nil
	depth := c.Depth != nil
	switch {
	case cams && lidar && depth:
		return Conf05
	case cams && lidar:
		return Conf01
	case cams && depth:
		return Conf02
	case depth:
		return Conf03
	default:
		return Conf04
	}
}

// SessionName formats a session directory name like
// CONF02_2025_12_07_143052.
func SessionName(p Preset, t time.Time) string {
	return fmt.Sprintf("%s_%s", p, t.Format("2006_01_02_150405"))
}

// ParseSessionName recovers the preset and start time from a session name.
func ParseSessionName(name string) (Preset, time.Time, error) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("malformed session name %q", name)
	}
	p, err := ParsePreset(parts[0])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed session name %q: %w", name, err)
	}
	t, err := time.ParseInLocation("2006_01_02_150405", parts[1], time.Local)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed session timestamp in %q: %w", name, err)
	}
	return p, t, nil
}
