package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SyntheticDriver produces moving test patterns shaped like each real source.
type SyntheticDriver struct {
	// Interval between frames; zero means 30 fps.
	Interval time.Duration

	mu   sync.Mutex
	open map[Source]int
}

// NewSyntheticDriver creates a synthetic driver delivering frames at fps.
func NewSyntheticDriver(fps int) *SyntheticDriver {
	interval := time.Second / 30
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	return &SyntheticDriver{Interval: interval, open: make(map[Source]int)}
}

var _ Driver = (*SyntheticDriver)(nil)

// Open implements Driver.
func (d *SyntheticDriver) Open(_ context.Context, source Source, res Resolution) (Device, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if res.Width <= 0 || res.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution %s", res)
	}

	d.mu.Lock()
	if d.open == nil {
		d.open = make(map[Source]int)
	}
	d.open[source]++
	d.mu.Unlock()

	return &syntheticDevice{
		driver:   d,
		source:   source,
		res:      res,
		interval: d.Interval,
	}, nil
}

// OpenCount returns how many devices are currently open for a source.
func (d *SyntheticDriver) OpenCount(source Source) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[source]
}

func (d *SyntheticDriver) release(source Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[source] > 0 {
		d.open[source]--
	}
}

type syntheticDevice struct {
	driver   *SyntheticDriver
	source   Source
	res      Resolution
	interval time.Duration
	tick     int

	closeOnce sync.Once
	closed    bool
}

func (d *syntheticDevice) Read(ctx context.Context) (*RawFrame, error) {
	if d.closed {
		return nil, fmt.Errorf("device %s closed", d.source)
	}
	if d.interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.interval):
		}
	}
	d.tick++
	return Pattern(d.source, d.res, d.tick), nil
}

func (d *syntheticDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closed = true
		d.driver.release(d.source)
	})
	return nil
}

// Pattern renders test pattern number tick for a source at res.
// RGB sources get a scrolling gradient, IR a diagonal ramp, depth a moving
// radial gradient spanning the full 11-bit range.
func Pattern(source Source, res Resolution, tick int) *RawFrame {
	w, h := res.Width, res.Height
	switch source {
	case SourceKinectIR:
		pix := make([]byte, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = byte((x + y + tick*4) & 0xff)
			}
		}
		return &RawFrame{Format: FormatGray8, Width: w, Height: h, Pix: pix}

	case SourceKinectDepth:
		depth := make([]uint16, w*h)
		cx, cy := (w/2+tick*3)%w, h/2
		maxDist := w*w + h*h
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx, dy := x-cx, y-cy
				depth[y*w+x] = uint16((dx*dx + dy*dy) * 2047 / maxDist)
			}
		}
		return &RawFrame{Format: FormatDepth11, Width: w, Height: h, Depth: depth}

	default:
		pix := make([]byte, w*h*3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := (y*w + x) * 3
				pix[i] = byte((x + tick*2) * 255 / w)
				pix[i+1] = byte(y * 255 / h)
				pix[i+2] = byte(tick * 3)
			}
		}
		return &RawFrame{Format: FormatRGB24, Width: w, Height: h, Pix: pix}
	}
}
