package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid escalation config")

// Config is a fully resolved threshold set. Thresholds are measured from the
// operation start.
type Config struct {
	InlineThreshold  time.Duration `yaml:"inline_threshold" mapstructure:"inline_threshold"`
	OverlayThreshold time.Duration `yaml:"overlay_threshold" mapstructure:"overlay_threshold"`
	ModalThreshold   time.Duration `yaml:"modal_threshold" mapstructure:"modal_threshold"`
	Timeout          time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"` // 0 = no timeout
	InlineEnabled    bool          `yaml:"inline_enabled" mapstructure:"inline_enabled"`
	OverlayEnabled   bool          `yaml:"overlay_enabled" mapstructure:"overlay_enabled"`
	ModalEnabled     bool          `yaml:"modal_enabled" mapstructure:"modal_enabled"`
}

// DefaultConfig returns the built-in thresholds: inline after 200ms, overlay
// after 500ms, modal after 2s, every tier enabled, no timeout.
func DefaultConfig() Config {
	return Config{
		InlineThreshold:  200 * time.Millisecond,
		OverlayThreshold: 500 * time.Millisecond,
		ModalThreshold:   2 * time.Second,
		InlineEnabled:    true,
		OverlayEnabled:   true,
		ModalEnabled:     true,
	}
}

// Validate checks that thresholds are non-negative and ordered
// inline <= overlay <= modal.
func (c Config) Validate() error {
	return c.Override().Validate()
}

// Override returns c as an override with every field set.
func (c Config) Override() Override {
	return Override{
		InlineThreshold:  durationPtr(c.InlineThreshold),
		OverlayThreshold: durationPtr(c.OverlayThreshold),
		ModalThreshold:   durationPtr(c.ModalThreshold),
		Timeout:          durationPtr(c.Timeout),
		InlineEnabled:    boolPtr(c.InlineEnabled),
		OverlayEnabled:   boolPtr(c.OverlayEnabled),
		ModalEnabled:     boolPtr(c.ModalEnabled),
	}
}

// Override is a partial Config: nil fields inherit from the layer below.
type Override struct {
	InlineThreshold  *time.Duration `yaml:"inline_threshold,omitempty" mapstructure:"inline_threshold"`
	OverlayThreshold *time.Duration `yaml:"overlay_threshold,omitempty" mapstructure:"overlay_threshold"`
	ModalThreshold   *time.Duration `yaml:"modal_threshold,omitempty" mapstructure:"modal_threshold"`
	Timeout          *time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	InlineEnabled    *bool          `yaml:"inline_enabled,omitempty" mapstructure:"inline_enabled"`
	OverlayEnabled   *bool          `yaml:"overlay_enabled,omitempty" mapstructure:"overlay_enabled"`
	ModalEnabled     *bool          `yaml:"modal_enabled,omitempty" mapstructure:"modal_enabled"`
}

// IsZero reports whether no field is set.
func (o Override) IsZero() bool {
	return o.InlineThreshold == nil && o.OverlayThreshold == nil && o.ModalThreshold == nil &&
		o.Timeout == nil && o.InlineEnabled == nil && o.OverlayEnabled == nil && o.ModalEnabled == nil
}

// Apply returns base with every field set in o replaced.
func (o Override) Apply(base Config) Config {
	if o.InlineThreshold != nil {
		base.InlineThreshold = *o.InlineThreshold
	}
	if o.OverlayThreshold != nil {
		base.OverlayThreshold = *o.OverlayThreshold
	}
	if o.ModalThreshold != nil {
		base.ModalThreshold = *o.ModalThreshold
	}
	if o.Timeout != nil {
		base.Timeout = *o.Timeout
	}
	if o.InlineEnabled != nil {
		base.InlineEnabled = *o.InlineEnabled
	}
	if o.OverlayEnabled != nil {
		base.OverlayEnabled = *o.OverlayEnabled
	}
	if o.ModalEnabled != nil {
		base.ModalEnabled = *o.ModalEnabled
	}
	return base
}

// Merge returns o with every field set in over replaced.
func (o Override) Merge(over Override) Override {
	if over.InlineThreshold != nil {
		o.InlineThreshold = durationPtr(*over.InlineThreshold)
	}
	if over.OverlayThreshold != nil {
		o.OverlayThreshold = durationPtr(*over.OverlayThreshold)
	}
	if over.ModalThreshold != nil {
		o.ModalThreshold = durationPtr(*over.ModalThreshold)
	}
	if over.Timeout != nil {
		o.Timeout = durationPtr(*over.Timeout)
	}
	if over.InlineEnabled != nil {
		o.InlineEnabled = boolPtr(*over.InlineEnabled)
	}
	if over.OverlayEnabled != nil {
		o.OverlayEnabled = boolPtr(*over.OverlayEnabled)
	}
	if over.ModalEnabled != nil {
		o.ModalEnabled = boolPtr(*over.ModalEnabled)
	}
	return o
}

// Clone returns a deep copy.
func (o Override) Clone() Override {
	return Override{}.Merge(o)
}

// Validate checks the fields o defines: no negative durations, and the
// thresholds it sets must be ordered inline <= overlay <= modal.
func (o Override) Validate() error {
	named := []struct {
		name string
		v    *time.Duration
	}{
		{"inline_threshold", o.InlineThreshold},
		{"overlay_threshold", o.OverlayThreshold},
		{"modal_threshold", o.ModalThreshold},
		{"timeout", o.Timeout},
	}
	for _, f := range named {
		if f.v != nil && *f.v < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %s", ErrInvalidConfig, f.name, *f.v)
		}
	}

	thresholds := named[:3]
	for i := 0; i < len(thresholds); i++ {
		for j := i + 1; j < len(thresholds); j++ {
			lo, hi := thresholds[i], thresholds[j]
			if lo.v != nil && hi.v != nil && *lo.v > *hi.v {
				return fmt.Errorf("%w: %s (%s) must not exceed %s (%s)",
					ErrInvalidConfig, lo.name, *lo.v, hi.name, *hi.v)
			}
		}
	}
	return nil
}

// Ptr helpers for building overrides in code.

// Duration returns a pointer to d.
func Duration(d time.Duration) *time.Duration {
	return durationPtr(d)
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return boolPtr(b)
}

func durationPtr(d time.Duration) *time.Duration { return &d }
func boolPtr(b bool) *bool                       { return &b }

// JSON speaks milliseconds, which is what UI consumers and the host process
// exchange.

type configJSON struct {
	InlineThresholdMs  int64 `json:"inline_threshold_ms"`
	OverlayThresholdMs int64 `json:"overlay_threshold_ms"`
	ModalThresholdMs   int64 `json:"modal_threshold_ms"`
	TimeoutMs          int64 `json:"timeout_ms,omitempty"`
	InlineEnabled      bool  `json:"inline_enabled"`
	OverlayEnabled     bool  `json:"overlay_enabled"`
	ModalEnabled       bool  `json:"modal_enabled"`
}

type overrideJSON struct {
	InlineThresholdMs  *int64 `json:"inline_threshold_ms,omitempty"`
	OverlayThresholdMs *int64 `json:"overlay_threshold_ms,omitempty"`
	ModalThresholdMs   *int64 `json:"modal_threshold_ms,omitempty"`
	TimeoutMs          *int64 `json:"timeout_ms,omitempty"`
	InlineEnabled      *bool  `json:"inline_enabled,omitempty"`
	OverlayEnabled     *bool  `json:"overlay_enabled,omitempty"`
	ModalEnabled       *bool  `json:"modal_enabled,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		InlineThresholdMs:  c.InlineThreshold.Milliseconds(),
		OverlayThresholdMs: c.OverlayThreshold.Milliseconds(),
		ModalThresholdMs:   c.ModalThreshold.Milliseconds(),
		TimeoutMs:          c.Timeout.Milliseconds(),
		InlineEnabled:      c.InlineEnabled,
		OverlayEnabled:     c.OverlayEnabled,
		ModalEnabled:       c.ModalEnabled,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Config{
		InlineThreshold:  time.Duration(raw.InlineThresholdMs) * time.Millisecond,
		OverlayThreshold: time.Duration(raw.OverlayThresholdMs) * time.Millisecond,
		ModalThreshold:   time.Duration(raw.ModalThresholdMs) * time.Millisecond,
		Timeout:          time.Duration(raw.TimeoutMs) * time.Millisecond,
		InlineEnabled:    raw.InlineEnabled,
		OverlayEnabled:   raw.OverlayEnabled,
		ModalEnabled:     raw.ModalEnabled,
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o Override) MarshalJSON() ([]byte, error) {
	return json.Marshal(overrideJSON{
		InlineThresholdMs:  msPtr(o.InlineThreshold),
		OverlayThresholdMs: msPtr(o.OverlayThreshold),
		ModalThresholdMs:   msPtr(o.ModalThreshold),
		TimeoutMs:          msPtr(o.Timeout),
		InlineEnabled:      o.InlineEnabled,
		OverlayEnabled:     o.OverlayEnabled,
		ModalEnabled:       o.ModalEnabled,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Override) UnmarshalJSON(data []byte) error {
	var raw overrideJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Override{
		InlineThreshold:  fromMs(raw.InlineThresholdMs),
		OverlayThreshold: fromMs(raw.OverlayThresholdMs),
		ModalThreshold:   fromMs(raw.ModalThresholdMs),
		Timeout:          fromMs(raw.TimeoutMs),
		InlineEnabled:    raw.InlineEnabled,
		OverlayEnabled:   raw.OverlayEnabled,
		ModalEnabled:     raw.ModalEnabled,
	}
	return nil
}

func msPtr(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func fromMs(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	return durationPtr(time.Duration(*ms) * time.Millisecond)
}
