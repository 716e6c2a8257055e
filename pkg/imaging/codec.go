package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	_ "image/jpeg"

	_ "golang.org/x/image/webp"
)

// Decode parses PNG, JPEG, or WebP bytes into an RGB raster. The alpha
// channel, when present, is dropped. It returns the detected format name.
func Decode(data []byte) (*Image, string, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("imaging: decode failed: %w", err)
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, "", fmt.Errorf("imaging: empty image %dx%d", w, h)
	}

	out := New(w, h)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := src.At(x, y).RGBA()
			out.Pix[i] = uint8(r >> 8)
			out.Pix[i+1] = uint8(g >> 8)
			out.Pix[i+2] = uint8(b >> 8)
			i += 3
		}
	}
	return out, format, nil
}

// EncodePNG renders the raster as a PNG. Protected outputs are always PNG
// regardless of the upload format.
func EncodePNG(m *Image) ([]byte, error) {
	rgba := image.NewNRGBA(image.Rect(0, 0, m.W, m.H))
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			si := (y*m.W + x) * 3
			di := y*rgba.Stride + x*4
			rgba.Pix[di] = m.Pix[si]
			rgba.Pix[di+1] = m.Pix[si+1]
			rgba.Pix[di+2] = m.Pix[si+2]
			rgba.Pix[di+3] = 0xFF
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, fmt.Errorf("imaging: png encode failed: %w", err)
	}
	return buf.Bytes(), nil
}
