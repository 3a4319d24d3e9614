package render

import "image/color"

// jet is a 256-entry blue→cyan→yellow→red lookup table.
var jet = buildJet()

func buildJet() [256]color.RGBA {
	var lut [256]color.RGBA
	for i := range lut {
		x := float64(i) / 255
		lut[i] = color.RGBA{
			R: unit(1.5 - abs(4*x-3)),
			G: unit(1.5 - abs(4*x-2)),
			B: unit(1.5 - abs(4*x-1)),
			A: 0xff,
		}
	}
	return lut
}

// Jet returns the colormap entry for v.
func Jet(v uint8) color.RGBA {
	return jet[v]
}

func unit(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
