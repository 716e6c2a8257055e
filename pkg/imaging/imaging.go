// Package imaging provides the dense RGB raster the protection pipeline
// operates on, plus decode and encode at the pipeline boundaries.
package imaging

import (
	"fmt"
	"math"
)

// Image is an 8-bit RGB raster, row-major, channels interleaved.
type Image struct {
	W, H int
	Pix  []uint8 // len == W*H*3
}

// New allocates a zeroed W x H image.
func New(w, h int) *Image {
	return &Image{W: w, H: h, Pix: make([]uint8, w*h*3)}
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	cp := &Image{W: m.W, H: m.H, Pix: make([]uint8, len(m.Pix))}
	copy(cp.Pix, m.Pix)
	return cp
}

// At returns the channel c value at (x, y). c is 0 for red, 1 green, 2 blue.
func (m *Image) At(x, y, c int) uint8 {
	return m.Pix[(y*m.W+x)*3+c]
}

// Set writes the channel c value at (x, y).
func (m *Image) Set(x, y, c int, v uint8) {
	m.Pix[(y*m.W+x)*3+c] = v
}

// Plane extracts channel c as float64 samples, row-major.
func (m *Image) Plane(c int) []float64 {
	plane := make([]float64, m.W*m.H)
	for i := range plane {
		plane[i] = float64(m.Pix[i*3+c])
	}
	return plane
}

// SetPlane writes channel c from float64 samples, rounding and clamping to
// [0, 255].
func (m *Image) SetPlane(c int, plane []float64) {
	for i, v := range plane {
		m.Pix[i*3+c] = clampByte(v)
	}
}

func clampByte(v float64) uint8 {
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return uint8(r)
}

// MaxChannelDiff returns the largest absolute per-channel difference between
// two images of identical shape.
func MaxChannelDiff(a, b *Image) (int, error) {
	if a.W != b.W || a.H != b.H {
		return 0, fmt.Errorf("imaging: shape mismatch %dx%d vs %dx%d", a.W, a.H, b.W, b.H)
	}
	maxDiff := 0
	for i := range a.Pix {
		d := int(a.Pix[i]) - int(b.Pix[i])
		if d < 0 {
			d = -d
		}
		if d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff, nil
}

// PSNR computes the peak signal-to-noise ratio in decibels between two
// images of identical shape. Identical images yield +Inf.
func PSNR(a, b *Image) (float64, error) {
	if a.W != b.W || a.H != b.H {
		return 0, fmt.Errorf("imaging: shape mismatch %dx%d vs %dx%d", a.W, a.H, b.W, b.H)
	}
	var sum float64
	for i := range a.Pix {
		d := float64(a.Pix[i]) - float64(b.Pix[i])
		sum += d * d
	}
	if sum == 0 {
		return math.Inf(1), nil
	}
	mse := sum / float64(len(a.Pix))
	return 20*math.Log10(255) - 10*math.Log10(mse), nil
}
