// Package provenance builds, signs, and embeds content-credential manifests
// declaring that an artifact is not licensed for AI training. Manifests are
// canonicalized with RFC 8785 (JCS) before signing so verification does not
// depend on field order.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	ClaimGenerator = "lore-anchor/1.0"
	DefaultTitle   = "Protected by Lore Anchor"

	// AssertionLabel follows the c2pa training-and-data-mining vocabulary.
	AssertionLabel = "c2pa.training-mining"
	UseNotAllowed  = "notAllowed"
)

// restrictedUses are the four uses every protected artifact denies.
var restrictedUses = []string{
	"c2pa.ai_generative_training",
	"c2pa.ai_inference",
	"c2pa.ai_training",
	"c2pa.data_mining",
}

// TrainingEntry is one denied use.
type TrainingEntry struct {
	Use string `json:"use"`
}

// AssertionData carries the entry map of a training-mining assertion.
type AssertionData struct {
	Entries map[string]TrainingEntry `json:"entries"`
}

// Assertion is a labeled claim inside a manifest.
type Assertion struct {
	Label string        `json:"label"`
	Data  AssertionData `json:"data"`
}

// Manifest is the claim set signed over a protected image. ContentHash
// covers the image bytes before the manifest is embedded into them.
type Manifest struct {
	ClaimGenerator string      `json:"claim_generator"`
	Title          string      `json:"title"`
	ImageID        string      `json:"image_id"`
	WatermarkID    string      `json:"watermark_id"`
	ContentHash    string      `json:"content_hash"`
	SignedAt       time.Time   `json:"signed_at"`
	Assertions     []Assertion `json:"assertions"`
}

// NewManifest assembles the standard not-for-training manifest over content.
func NewManifest(imageID, watermarkID string, content []byte) Manifest {
	entries := make(map[string]TrainingEntry, len(restrictedUses))
	for _, use := range restrictedUses {
		entries[use] = TrainingEntry{Use: UseNotAllowed}
	}
	digest := sha256.Sum256(content)
	return Manifest{
		ClaimGenerator: ClaimGenerator,
		Title:          DefaultTitle,
		ImageID:        imageID,
		WatermarkID:    watermarkID,
		ContentHash:    "sha256:" + hex.EncodeToString(digest[:]),
		SignedAt:       time.Now().UTC(),
		Assertions: []Assertion{{
			Label: AssertionLabel,
			Data:  AssertionData{Entries: entries},
		}},
	}
}
