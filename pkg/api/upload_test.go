package api_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lore-anchor/anchor/pkg/api"
)

var pngSig = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"image/png":  ".png",
		"image/jpeg": ".jpg",
		"image/webp": ".webp",
	}
	for mime, want := range cases {
		ext, ok := api.ExtensionFor(mime)
		assert.True(t, ok, mime)
		assert.Equal(t, want, ext)
	}
	_, ok := api.ExtensionFor("image/gif")
	assert.False(t, ok)
	_, ok = api.ExtensionFor("")
	assert.False(t, ok)
}

func TestValidateUpload(t *testing.T) {
	webp := append([]byte("RIFF"), 0x24, 0x00, 0x00, 0x00)
	webp = append(webp, []byte("WEBP")...)

	tests := []struct {
		name     string
		data     []byte
		declared string
		wantErr  error
	}{
		{"valid png", padTo(pngSig, 64), "image/png", nil},
		{"valid jpeg", padTo([]byte{0xFF, 0xD8, 0xFF, 0xE0}, 64), "image/jpeg", nil},
		{"valid webp", padTo(webp, 64), "image/webp", nil},
		{"type not allowed", padTo([]byte("GIF89a"), 64), "image/gif", api.ErrUnsupportedType},
		{"declared png, plain text", []byte("hello world, this is not a png"), "image/png", api.ErrContentMismatch},
		{"declared jpeg, png bytes", padTo(pngSig, 64), "image/jpeg", api.ErrContentMismatch},
		{"declared webp, riff without webp tag", padTo([]byte("RIFF0000AVI "), 64), "image/webp", api.ErrContentMismatch},
		{"too short to carry a signature", pngSig, "image/png", api.ErrContentMismatch},
		{"empty payload", nil, "image/png", api.ErrContentMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := api.ValidateUpload(tt.data, tt.declared)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateUpload_SizeBoundary(t *testing.T) {
	atCap := padTo(pngSig, int(api.MaxUploadBytes))
	assert.NoError(t, api.ValidateUpload(atCap, "image/png"))

	overCap := padTo(pngSig, int(api.MaxUploadBytes)+1)
	assert.ErrorIs(t, api.ValidateUpload(overCap, "image/png"), api.ErrTooLarge)
}

func TestValidateUpload_MagicWindowIsPrefix(t *testing.T) {
	// A signature appearing past the first bytes must not count.
	data := padTo(append([]byte("????"), pngSig...), 64)
	assert.ErrorIs(t, api.ValidateUpload(data, "image/png"), api.ErrContentMismatch)
	assert.False(t, bytes.HasPrefix(data, pngSig))
}
