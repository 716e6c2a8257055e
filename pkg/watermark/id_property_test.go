//go:build property
// +build property

// Property-based tests for the identifier codec.
package watermark_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lore-anchor/anchor/pkg/watermark"
)

// TestIDCodecRoundTrip verifies FormatID and ParseID are inverses.
// Property: ParseID(FormatID(id)) == id for any 16 bytes.
func TestIDCodecRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("format then parse returns the same bytes", prop.ForAll(
		func(raw []uint8) bool {
			var id [16]byte
			copy(id[:], raw)
			parsed, err := watermark.ParseID(watermark.FormatID(id))
			return err == nil && parsed == id
		},
		gen.SliceOfN(16, gen.UInt8()),
	))

	properties.Property("parse accepts uppercase hex", prop.ForAll(
		func(raw []uint8) bool {
			var id [16]byte
			copy(id[:], raw)
			parsed, err := watermark.ParseID(strings.ToUpper(watermark.FormatID(id)))
			return err == nil && parsed == id
		},
		gen.SliceOfN(16, gen.UInt8()),
	))

	properties.Property("wrong-length input is rejected", prop.ForAll(
		func(s string) bool {
			if len(s) == 32 {
				return true
			}
			_, err := watermark.ParseID(s)
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
