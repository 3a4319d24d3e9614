// Package render turns raw device frames into encoded payloads.
//
// Mapping from raw samples to pixels is pure: depth samples are clamped to
// the 11-bit range before scaling to 8 bits, never wrapped.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
)

// MaxDepth is the largest meaningful Kinect depth sample.
const MaxDepth = 2047

// ErrNilFrame is returned when Render receives no frame.
var ErrNilFrame = errors.New("nil raw frame")

// Options control per-frame post-processing.
type Options struct {
	Quality int
	// Scale resizes the image; 1 or 0 leaves it untouched.
	Scale float64
}

// Encoder compresses an image into the wire format.
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
	ContentType() string
}

// JPEGEncoder encodes baseline JPEG.
type JPEGEncoder struct{}

// Encode implements Encoder.
func (JPEGEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ContentType implements Encoder.
func (JPEGEncoder) ContentType() string { return "image/jpeg" }

// Pipeline converts, scales and encodes raw frames.
type Pipeline struct {
	encoder Encoder
}

// NewPipeline creates a pipeline using enc; nil selects JPEG.
func NewPipeline(enc Encoder) *Pipeline {
	if enc == nil {
		enc = JPEGEncoder{}
	}
	return &Pipeline{encoder: enc}
}

// ContentType of the payloads produced by Render.
func (p *Pipeline) ContentType() string {
	return p.encoder.ContentType()
}

// Render produces one deliverable payload from raw.
func (p *Pipeline) Render(raw *device.RawFrame, opts Options) ([]byte, error) {
	img, err := ToImage(raw)
	if err != nil {
		return nil, err
	}
	img = Scale(img, opts.Scale)
	return p.encoder.Encode(img, opts.Quality)
}

// ToImage maps raw samples to an image according to the frame format.
func ToImage(raw *device.RawFrame) (image.Image, error) {
	if raw == nil {
		return nil, ErrNilFrame
	}
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	w, h := raw.Width, raw.Height
	rect := image.Rect(0, 0, w, h)

	switch raw.Format {
	case device.FormatGray8:
		img := image.NewGray(rect)
		copy(img.Pix, raw.Pix[:w*h])
		return img, nil

	case device.FormatRGB24:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < w*h*3; i, j = i+3, j+4 {
			img.Pix[j] = raw.Pix[i]
			img.Pix[j+1] = raw.Pix[i+1]
			img.Pix[j+2] = raw.Pix[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil

	case device.FormatDepth11:
		img := image.NewRGBA(rect)
		for i := 0; i < w*h; i++ {
			c := Jet(DepthTo8(raw.Depth[i]))
			j := i * 4
			img.Pix[j] = c.R
			img.Pix[j+1] = c.G
			img.Pix[j+2] = c.B
			img.Pix[j+3] = c.A
		}
		return img, nil
	}

	return nil, fmt.Errorf("unsupported format %s", raw.Format)
}

// DepthTo8 clamps an 11-bit depth sample and reduces it to 8 bits.
func DepthTo8(v uint16) uint8 {
	if v > MaxDepth {
		v = MaxDepth
	}
	return uint8(v >> 3)
}

// Scale resizes img by factor using bilinear interpolation.
func Scale(img image.Image, factor float64) image.Image {
	if factor <= 0 || factor == 1 {
		return img
	}
	b := img.Bounds()
	w := int(float64(b.Dx())*factor + 0.5)
	h := int(float64(b.Dy())*factor + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// OutputResolution is the size of frames produced for a source.
func OutputResolution(source device.Source, preset string, scale float64) device.Resolution {
	res := device.NativeResolution(source, preset)
	if !source.Kinect() || scale <= 0 || scale == 1 {
		return res
	}
	return device.Resolution{
		Width:  int(float64(res.Width)*scale + 0.5),
		Height: int(float64(res.Height)*scale + 0.5),
	}
}
