package stream

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
)

// Parameter ranges accepted by RequestParamChange.
const (
	MinQuality = 1
	MaxQuality = 100
	MinScale   = 0.25
	MaxScale   = 2.0
)

// Params are the tunables applied by the capture loop.
type Params struct {
	Quality int
	Scale   float64
	Preset  string
}

// DefaultParams mirrors the viewer defaults.
func DefaultParams() Params {
	return Params{Quality: 70, Scale: 1.0, Preset: device.DefaultPreset}
}

// ParamUpdate carries optional changes; nil fields are left untouched.
type ParamUpdate struct {
	Quality *int
	Scale   *float64
	Preset  *string
}

// Empty reports whether the update changes nothing.
func (u ParamUpdate) Empty() bool {
	return u.Quality == nil && u.Scale == nil && u.Preset == nil
}

// Validate checks every provided field and reports all problems at once.
func (u ParamUpdate) Validate() error {
	errs := &ValidationError{}
	if u.Quality != nil && (*u.Quality < MinQuality || *u.Quality > MaxQuality) {
		errs.Add("quality must be %d-%d, got %d", MinQuality, MaxQuality, *u.Quality)
	}
	// Written so NaN fails the range check.
	if u.Scale != nil && !(*u.Scale >= MinScale && *u.Scale <= MaxScale) {
		errs.Add("scale must be %g-%g, got %g", MinScale, MaxScale, *u.Scale)
	}
	if u.Preset != nil {
		if _, ok := device.Presets[*u.Preset]; !ok {
			errs.Add("picam_res must be one of %s, got %q", strings.Join(device.PresetNames(), ", "), *u.Preset)
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Apply returns p with the update merged in.
func (u ParamUpdate) Apply(p Params) Params {
	if u.Quality != nil {
		p.Quality = *u.Quality
	}
	if u.Scale != nil {
		p.Scale = *u.Scale
	}
	if u.Preset != nil {
		p.Preset = *u.Preset
	}
	return p
}

// Describe renders the update as "quality=80, scale=0.5".
func (u ParamUpdate) Describe() string {
	var parts []string
	if u.Quality != nil {
		parts = append(parts, fmt.Sprintf("quality=%d", *u.Quality))
	}
	if u.Scale != nil {
		parts = append(parts, fmt.Sprintf("scale=%g", *u.Scale))
	}
	if u.Preset != nil {
		parts = append(parts, fmt.Sprintf("picam_res=%s", *u.Preset))
	}
	return strings.Join(parts, ", ")
}

// ValidationError collects every rejected field of a request.
type ValidationError struct {
	Problems []string
}

// Add records one problem.
func (e *ValidationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// HasErrors returns true if any problem was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Problems) > 0
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}
