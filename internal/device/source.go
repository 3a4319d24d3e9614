package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownSource is returned when a source name is not recognised.
var ErrUnknownSource = errors.New("unknown source")

// Source identifies a selectable origin of frames.
type Source string

const (
	SourceKinectRGB   Source = "kinect_rgb"
	SourceKinectIR    Source = "kinect_ir"
	SourceKinectDepth Source = "kinect_depth"
	SourcePicam       Source = "picam"
)

// Sources lists every selectable source in display order.
var Sources = []Source{SourceKinectRGB, SourceKinectIR, SourceKinectDepth, SourcePicam}

var sourceAliases = map[string]Source{
	"rgb":   SourceKinectRGB,
	"ir":    SourceKinectIR,
	"depth": SourceKinectDepth,
	"cam":   SourcePicam,
}

// ParseSource resolves a source name or short alias, case-insensitively.
func ParseSource(name string) (Source, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, s := range Sources {
		if string(s) == key {
			return s, nil
		}
	}
	if s, ok := sourceAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, name)
}

// Valid reports whether s is a member of the source enum.
func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// Kinect reports whether the source is one of the Kinect sensors.
func (s Source) Kinect() bool {
	return s == SourceKinectRGB || s == SourceKinectIR || s == SourceKinectDepth
}

// UsesPreset reports whether the source resolution comes from a preset.
func (s Source) UsesPreset() bool {
	return s == SourcePicam
}

// Label is a short human-readable name used in control replies.
func (s Source) Label() string {
	switch s {
	case SourceKinectRGB:
		return "RGB"
	case SourceKinectIR:
		return "IR"
	case SourceKinectDepth:
		return "Depth"
	case SourcePicam:
		return "Pi Camera"
	default:
		return string(s)
	}
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// KinectResolution is the native size of every Kinect stream.
var KinectResolution = Resolution{Width: 640, Height: 480}

// Presets maps picam resolution preset names to sizes.
var Presets = map[string]Resolution{
	"low":    {Width: 640, Height: 480},
	"medium": {Width: 1280, Height: 720},
	"high":   {Width: 1280, Height: 800},
	"full":   {Width: 1920, Height: 1080},
}

// DefaultPreset is used when no preset is configured.
const DefaultPreset = "high"

// PresetNames returns the preset names ordered by pixel count.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := Presets[names[i]], Presets[names[j]]
		return a.Width*a.Height < b.Width*b.Height
	})
	return names
}

// NativeResolution returns the resolution the device is opened with for a
// source and preset.
func NativeResolution(s Source, preset string) Resolution {
	if s.UsesPreset() {
		if r, ok := Presets[preset]; ok {
			return r
		}
		return Presets[DefaultPreset]
	}
	return KinectResolution
}
