// Package tiers defines the product tiers for the protection service.
// Tiers map to upload quotas and features.
package tiers

import "strings"

// TierID identifies a product tier.
type TierID string

const (
	TierFree TierID = "free"
	TierPro  TierID = "pro"
)

// Limits defines resource limits for a tier.
type Limits struct {
	MonthlyUploads int64 // uploads per calendar month, -1 = unlimited
	MaxUploadBytes int64 // per-file size cap
	RetentionDays  int   // how long protected outputs are kept, -1 = unlimited
}

// Tier represents a product tier with limits, features, and pricing.
type Tier struct {
	ID            TierID
	Name          string
	Description   string
	Limits        Limits
	Features      []string
	PricePerMonth int64 // cents
}

// All available tiers
var (
	Free = Tier{
		ID:          TierFree,
		Name:        "Free",
		Description: "For individual artists trying the service",
		Limits: Limits{
			MonthlyUploads: 5,
			MaxUploadBytes: 20 << 20,
			RetentionDays:  90,
		},
		Features:      []string{"watermarking", "adversarial_perturbation", "provenance_signing"},
		PricePerMonth: 0,
	}

	Pro = Tier{
		ID:          TierPro,
		Name:        "Pro",
		Description: "For working artists and studios",
		Limits: Limits{
			MonthlyUploads: -1, // unlimited
			MaxUploadBytes: 20 << 20,
			RetentionDays:  -1,
		},
		Features: []string{
			"watermarking",
			"adversarial_perturbation",
			"provenance_signing",
			"priority_processing",
			"api_access",
		},
		PricePerMonth: 1900, // $19
	}

	// AllTiers contains all available tiers
	AllTiers = map[TierID]Tier{
		TierFree: Free,
		TierPro:  Pro,
	}
)

// Get returns a tier by ID, or nil if not found.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// Parse maps a stored subscription string to a tier. Paid plans ("pro",
// legacy "premium") resolve to Pro; everything else, including the empty
// string, resolves to Free.
func Parse(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pro", "premium":
		return Pro
	default:
		return Free
	}
}

// HasFeature checks if a tier has a specific feature.
func (t *Tier) HasFeature(feature string) bool {
	for _, f := range t.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}

// IsUnlimited checks if a limit is unlimited (-1).
func IsUnlimited(limit int64) bool {
	return limit < 0
}
