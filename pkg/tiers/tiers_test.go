package tiers_test

import (
	"testing"

	"github.com/lore-anchor/anchor/pkg/tiers"
	"github.com/stretchr/testify/assert"
)

func TestTiers_Get(t *testing.T) {
	tests := []struct {
		id       tiers.TierID
		expected string
	}{
		{tiers.TierFree, "Free"},
		{tiers.TierPro, "Pro"},
	}

	for _, tt := range tests {
		tier := tiers.Get(tt.id)
		assert.NotNil(t, tier)
		assert.Equal(t, tt.expected, tier.Name)
	}
}

func TestTiers_GetUnknown(t *testing.T) {
	tier := tiers.Get("unknown-tier")
	assert.Nil(t, tier)
}

func TestTiers_FreeLimits(t *testing.T) {
	tier := tiers.Free
	assert.Equal(t, int64(5), tier.Limits.MonthlyUploads)
	assert.Equal(t, int64(20<<20), tier.Limits.MaxUploadBytes)
	assert.False(t, tiers.IsUnlimited(tier.Limits.MonthlyUploads))
}

func TestTiers_ProUnlimited(t *testing.T) {
	tier := tiers.Pro
	assert.True(t, tiers.IsUnlimited(tier.Limits.MonthlyUploads))
	assert.Equal(t, int64(1900), tier.PricePerMonth)
}

func TestTiers_Parse(t *testing.T) {
	tests := []struct {
		in       string
		expected tiers.TierID
	}{
		{"pro", tiers.TierPro},
		{"PRO", tiers.TierPro},
		{"premium", tiers.TierPro}, // legacy plan name
		{"free", tiers.TierFree},
		{"", tiers.TierFree},
		{"enterprise", tiers.TierFree}, // unknown plans degrade to free
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tiers.Parse(tt.in).ID, "input %q", tt.in)
	}
}

func TestTiers_HasFeature(t *testing.T) {
	assert.True(t, tiers.Free.HasFeature("watermarking"))
	assert.False(t, tiers.Free.HasFeature("priority_processing"))

	assert.True(t, tiers.Pro.HasFeature("priority_processing"))
	assert.True(t, tiers.Pro.HasFeature("api_access"))
}

func TestTiers_AllTiers(t *testing.T) {
	assert.Len(t, tiers.AllTiers, 2)
	assert.Contains(t, tiers.AllTiers, tiers.TierFree)
	assert.Contains(t, tiers.AllTiers, tiers.TierPro)
}
