// Package escalation decides how intrusive loading feedback should be for an
// operation that has been running for a given time, and stores the layered
// threshold configuration that drives that decision.
package escalation

import (
	"fmt"
	"time"
)

// Level is the feedback intensity tier.
type Level int

const (
	LevelNone Level = iota
	LevelInline
	LevelOverlay
	LevelModal
)

var levelNames = map[Level]string{
	LevelNone:    "none",
	LevelInline:  "inline",
	LevelOverlay: "overlay",
	LevelModal:   "modal",
}

// String returns the lower-case tier name.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a tier name to a Level.
func ParseLevel(s string) (Level, error) {
	for level, name := range levelNames {
		if name == s {
			return level, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown escalation level %q", s)
}

// Calculate returns the highest enabled tier whose threshold has elapsed.
// Disabled tiers are skipped without shifting the boundaries of the others.
func Calculate(elapsed time.Duration, cfg Config) Level {
	level := LevelNone
	if cfg.InlineEnabled && elapsed >= cfg.InlineThreshold {
		level = LevelInline
	}
	if cfg.OverlayEnabled && elapsed >= cfg.OverlayThreshold {
		level = LevelOverlay
	}
	if cfg.ModalEnabled && elapsed >= cfg.ModalThreshold {
		level = LevelModal
	}
	return level
}

// Boundaries returns the elapsed durations at which the level may change, for
// the enabled tiers only, in tier order.
func Boundaries(cfg Config) []time.Duration {
	out := make([]time.Duration, 0, 3)
	if cfg.InlineEnabled {
		out = append(out, cfg.InlineThreshold)
	}
	if cfg.OverlayEnabled {
		out = append(out, cfg.OverlayThreshold)
	}
	if cfg.ModalEnabled {
		out = append(out, cfg.ModalThreshold)
	}
	return out
}
