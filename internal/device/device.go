// Package device defines the capture backend contract and the source catalogue.
//
// Hardware drivers (libfreenect, libcamera) live outside this module and plug
// in through Driver. The synthetic driver generates test patterns so the
// rest of the system runs without hardware.
package device

import (
	"context"
	"fmt"
)

// Format describes the sample layout of a raw frame.
type Format int

const (
	// FormatRGB24 is packed 8-bit R, G, B.
	FormatRGB24 Format = iota
	// FormatGray8 is one 8-bit sample per pixel (infrared).
	FormatGray8
	// FormatDepth11 is one 11-bit depth sample per pixel stored in Depth.
	FormatDepth11
)

func (f Format) String() string {
	switch f {
	case FormatRGB24:
		return "rgb24"
	case FormatGray8:
		return "gray8"
	case FormatDepth11:
		return "depth11"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// RawFrame is one unprocessed frame as delivered by a device.
// Pix holds RGB24 and Gray8 samples, Depth holds Depth11 samples.
type RawFrame struct {
	Format Format
	Width  int
	Height int
	Pix    []byte
	Depth  []uint16
}

// Validate checks that the sample buffer matches the declared shape.
func (f *RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	n := f.Width * f.Height
	switch f.Format {
	case FormatRGB24:
		if len(f.Pix) < n*3 {
			return fmt.Errorf("rgb24 frame has %d bytes, want %d", len(f.Pix), n*3)
		}
	case FormatGray8:
		if len(f.Pix) < n {
			return fmt.Errorf("gray8 frame has %d bytes, want %d", len(f.Pix), n)
		}
	case FormatDepth11:
		if len(f.Depth) < n {
			return fmt.Errorf("depth11 frame has %d samples, want %d", len(f.Depth), n)
		}
	default:
		return fmt.Errorf("unsupported format %s", f.Format)
	}
	return nil
}

// Device is an open capture handle for one source.
type Device interface {
	// Read blocks until the next frame is available.
	Read(ctx context.Context) (*RawFrame, error)

	// Close stops the source and releases the handle.
	Close() error
}

// Driver opens devices. Implementations must allow Open to be called again
// after the previous Device was closed.
type Driver interface {
	Open(ctx context.Context, source Source, res Resolution) (Device, error)
}
