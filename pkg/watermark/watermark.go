// Package watermark embeds and recovers 128-bit identifiers in the
// high-frequency wavelet bands of an image. Embedding is blind spread
// spectrum: each payload bit is spread over many coefficients with a
// deterministic +-1 chip sequence, and extraction correlates the same
// sequence against the candidate image with no access to the original.
package watermark

import (
	"fmt"

	"github.com/lore-anchor/anchor/pkg/imaging"
)

// MinAccuracy is the bit accuracy below which verification fails.
const MinAccuracy = 0.75

// strength is the coefficient amplitude of one chip. Tuned so a fully
// embedded image stays above 40 dB PSNR.
const strength = 1.25

// Report is the outcome of verifying an embedded identifier.
type Report struct {
	ExtractedID    string
	Accuracy       float64
	MeasurableBits int
}

// Survives reports whether the watermark is still readable.
func (r Report) Survives() bool {
	return r.Accuracy >= MinAccuracy
}

// Capacity returns the number of detail coefficients available for chips in
// a w x h image across all three channels.
func Capacity(w, h int) int {
	hw, hh := (w+1)/2, (h+1)/2
	return 3 * 3 * hw * hh
}

// ChipLen returns the chips available per payload bit. Zero means the image
// is too small to carry a measurable watermark.
func ChipLen(w, h int) int {
	return Capacity(w, h) / IDBits
}

// Embed spreads id across the detail bands of img and returns a new image.
// Output dimensions always equal input dimensions. Images too small to
// carry any chips are returned unchanged.
func Embed(img *imaging.Image, id string) (*imaging.Image, error) {
	raw, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	chipLen := ChipLen(img.W, img.H)
	out := img.Clone()
	if chipLen == 0 {
		return out, nil
	}

	bits := idBits(raw)
	chips := make([][]int8, IDBits)
	for b := range chips {
		chips[b] = chipSequence(b, chipLen)
	}
	limit := IDBits * chipLen

	g := 0
	for c := 0; c < 3; c++ {
		plane := out.Plane(c)
		sb := forwardHaar(plane, img.W, img.H)
		for _, band := range sb.detail() {
			for i := range band {
				if g >= limit {
					break
				}
				b, j := g/chipLen, g%chipLen
				delta := strength * float64(chips[b][j])
				if !bits[b] {
					delta = -delta
				}
				band[i] += delta
				g++
			}
		}
		out.SetPlane(c, inverseHaar(sb))
	}
	return out, nil
}

// Extract recovers the identifier carried by img. With nothing measurable
// it returns the zero identifier.
func Extract(img *imaging.Image) (string, error) {
	bits, measurable := correlate(img)
	if measurable == 0 {
		return FormatID([16]byte{}), nil
	}
	return FormatID(bitsToID(bits)), nil
}

// Verify extracts the embedded identifier and scores it against want.
// Images with no chip capacity verify vacuously at accuracy 1.
func Verify(img *imaging.Image, want string) (Report, error) {
	raw, err := ParseID(want)
	if err != nil {
		return Report{}, err
	}

	bits, measurable := correlate(img)
	if measurable == 0 {
		return Report{Accuracy: 1, MeasurableBits: 0}, nil
	}

	wantBits := idBits(raw)
	matches := 0
	for i := range wantBits {
		if bits[i] == wantBits[i] {
			matches++
		}
	}
	return Report{
		ExtractedID:    FormatID(bitsToID(bits)),
		Accuracy:       float64(matches) / float64(IDBits),
		MeasurableBits: measurable,
	}, nil
}

// correlate walks the detail bands exactly as Embed does and accumulates
// the per-bit chip correlations.
func correlate(img *imaging.Image) ([IDBits]bool, int) {
	var bits [IDBits]bool
	chipLen := ChipLen(img.W, img.H)
	if chipLen == 0 {
		return bits, 0
	}

	chips := make([][]int8, IDBits)
	for b := range chips {
		chips[b] = chipSequence(b, chipLen)
	}
	limit := IDBits * chipLen

	var corr [IDBits]float64
	g := 0
	for c := 0; c < 3; c++ {
		plane := img.Plane(c)
		sb := forwardHaar(plane, img.W, img.H)
		for _, band := range sb.detail() {
			for i := range band {
				if g >= limit {
					break
				}
				b, j := g/chipLen, g%chipLen
				corr[b] += band[i] * float64(chips[b][j])
				g++
			}
		}
	}
	for b := range bits {
		bits[b] = corr[b] > 0
	}
	return bits, IDBits
}

// EnsureShape fails when the embedded output drifted from the input shape.
func EnsureShape(in, out *imaging.Image) error {
	if in.W != out.W || in.H != out.H {
		return fmt.Errorf("watermark: output %dx%d does not match input %dx%d", out.W, out.H, in.W, in.H)
	}
	return nil
}
