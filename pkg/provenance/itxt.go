package provenance

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// manifestKeyword names the iTXt chunk carrying the signed manifest.
const manifestKeyword = "lore-anchor.provenance"

// ErrNoManifest means the PNG carries no provenance chunk.
var ErrNoManifest = errors.New("provenance: no manifest found in image")

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// EmbedPNG inserts sm as an uncompressed iTXt chunk immediately before the
// IEND chunk. The input bytes are not modified.
func EmbedPNG(png []byte, sm *SignedManifest) ([]byte, error) {
	if !bytes.HasPrefix(png, pngSignature) {
		return nil, errors.New("provenance: not a png")
	}
	payload, err := json.Marshal(sm)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to encode signed manifest: %w", err)
	}

	// iTXt layout: keyword NUL compression-flag compression-method
	// language-tag NUL translated-keyword NUL text.
	data := make([]byte, 0, len(manifestKeyword)+5+len(payload))
	data = append(data, manifestKeyword...)
	data = append(data, 0, 0, 0, 0, 0)
	data = append(data, payload...)

	iend, err := findChunk(png, "IEND")
	if err != nil {
		return nil, err
	}
	chunk := encodeChunk("iTXt", data)
	out := make([]byte, 0, len(png)+len(chunk))
	out = append(out, png[:iend]...)
	out = append(out, chunk...)
	out = append(out, png[iend:]...)
	return out, nil
}

// ExtractPNG recovers the signed manifest embedded by EmbedPNG. It returns
// ErrNoManifest when the image carries none.
func ExtractPNG(png []byte) (*SignedManifest, error) {
	if !bytes.HasPrefix(png, pngSignature) {
		return nil, errors.New("provenance: not a png")
	}
	off := len(pngSignature)
	for off+8 <= len(png) {
		length := int(binary.BigEndian.Uint32(png[off:]))
		ctype := string(png[off+4 : off+8])
		next := off + 12 + length
		if next <= off || next > len(png) {
			return nil, errors.New("provenance: corrupt png chunk")
		}
		if ctype == "iTXt" {
			if sm := parseManifestChunk(png[off+8 : off+8+length]); sm != nil {
				return sm, nil
			}
		}
		if ctype == "IEND" {
			break
		}
		off = next
	}
	return nil, ErrNoManifest
}

// parseManifestChunk returns nil for iTXt chunks that are not ours or are
// malformed; the caller keeps scanning.
func parseManifestChunk(data []byte) *SignedManifest {
	k := bytes.IndexByte(data, 0)
	if k < 0 || string(data[:k]) != manifestKeyword {
		return nil
	}
	rest := data[k+1:]
	if len(rest) < 2 || rest[0] != 0 { // compressed text is never written
		return nil
	}
	rest = rest[2:]
	l := bytes.IndexByte(rest, 0)
	if l < 0 {
		return nil
	}
	rest = rest[l+1:]
	tk := bytes.IndexByte(rest, 0)
	if tk < 0 {
		return nil
	}
	var sm SignedManifest
	if err := json.Unmarshal(rest[tk+1:], &sm); err != nil {
		return nil
	}
	return &sm
}

func findChunk(png []byte, typ string) (int, error) {
	off := len(pngSignature)
	for off+8 <= len(png) {
		length := int(binary.BigEndian.Uint32(png[off:]))
		ctype := string(png[off+4 : off+8])
		if ctype == typ {
			return off, nil
		}
		next := off + 12 + length
		if next <= off || next > len(png) {
			return 0, errors.New("provenance: corrupt png chunk")
		}
		off = next
	}
	return 0, fmt.Errorf("provenance: png missing %s chunk", typ)
}

func encodeChunk(typ string, data []byte) []byte {
	out := make([]byte, 8+len(data)+4)
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:8], typ)
	copy(out[8:], data)
	crc := crc32.ChecksumIEEE(out[4 : 8+len(data)])
	binary.BigEndian.PutUint32(out[8+len(data):], crc)
	return out
}
