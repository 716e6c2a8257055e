package watermark

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// IDBits is the payload size of a watermark identifier.
const IDBits = 128

// MintID returns a fresh 128-bit identifier as 32 lowercase hex characters.
func MintID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("watermark: failed to mint id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// ParseID decodes a 32-character hex identifier. Case is ignored.
func ParseID(s string) ([16]byte, error) {
	var id [16]byte
	if len(s) != 32 {
		return id, fmt.Errorf("watermark: id must be 32 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return id, fmt.Errorf("watermark: invalid id: %w", err)
	}
	copy(id[:], raw)
	return id, nil
}

// FormatID renders raw identifier bytes as 32 lowercase hex characters.
func FormatID(id [16]byte) string {
	return hex.EncodeToString(id[:])
}

// idBits expands the identifier to its 128 bits, most significant first.
func idBits(id [16]byte) [IDBits]bool {
	var bits [IDBits]bool
	for i := 0; i < IDBits; i++ {
		bits[i] = id[i/8]&(1<<(7-i%8)) != 0
	}
	return bits
}

// bitsToID packs 128 bits back into identifier bytes.
func bitsToID(bits [IDBits]bool) [16]byte {
	var id [16]byte
	for i, b := range bits {
		if b {
			id[i/8] |= 1 << (7 - i%8)
		}
	}
	return id
}
