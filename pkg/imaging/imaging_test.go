package imaging_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/lore-anchor/anchor/pkg/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int, fill color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode_PNG(t *testing.T) {
	data := pngBytes(t, 3, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	img, format, err := imaging.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 3, img.W)
	assert.Equal(t, 2, img.H)
	assert.Equal(t, uint8(10), img.At(0, 0, 0))
	assert.Equal(t, uint8(20), img.At(2, 1, 1))
	assert.Equal(t, uint8(30), img.At(1, 0, 2))
}

func TestDecode_JPEG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range src.Pix {
		src.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, src, nil))

	img, format, err := imaging.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 8, img.W)
	assert.Equal(t, 8, img.H)
}

func TestDecode_Garbage(t *testing.T) {
	_, _, err := imaging.Decode([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestEncodePNG_RoundTrip(t *testing.T) {
	src := imaging.New(4, 3)
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 7 % 256)
	}

	data, err := imaging.EncodePNG(src)
	require.NoError(t, err)

	got, format, err := imaging.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, src.Pix, got.Pix, "png round-trip is lossless")
}

func TestPlaneRoundTrip(t *testing.T) {
	img := imaging.New(2, 2)
	img.Set(0, 0, 1, 200)
	img.Set(1, 1, 1, 33)

	plane := img.Plane(1)
	assert.Equal(t, []float64{200, 0, 0, 33}, plane)

	plane[1] = 300.4  // clamps high
	plane[2] = -12.9  // clamps low
	plane[3] = 120.5  // rounds
	img.SetPlane(1, plane)
	assert.Equal(t, uint8(255), img.At(1, 0, 1))
	assert.Equal(t, uint8(0), img.At(0, 1, 1))
	assert.Equal(t, uint8(121), img.At(1, 1, 1))
}

func TestMaxChannelDiff(t *testing.T) {
	a := imaging.New(2, 2)
	b := a.Clone()
	b.Set(1, 0, 2, 9)
	b.Set(0, 1, 0, 4)

	d, err := imaging.MaxChannelDiff(a, b)
	require.NoError(t, err)
	assert.Equal(t, 9, d)

	_, err = imaging.MaxChannelDiff(a, imaging.New(3, 2))
	assert.Error(t, err)
}

func TestPSNR(t *testing.T) {
	a := imaging.New(8, 8)
	for i := range a.Pix {
		a.Pix[i] = 100
	}

	same, err := imaging.PSNR(a, a.Clone())
	require.NoError(t, err)
	assert.True(t, math.IsInf(same, 1))

	b := a.Clone()
	for i := range b.Pix {
		b.Pix[i] = 101 // uniform +1 error: PSNR = 20*log10(255) ~ 48.13 dB
	}
	p, err := imaging.PSNR(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 48.13, p, 0.01)
}
