package catalog_test

import (
	"strings"
	"testing"
	"time"

	"github.com/lore-anchor/anchor/pkg/catalog"
	"github.com/stretchr/testify/assert"
)

// TestCanTransition pins the full lifecycle graph. Completed and failed are
// terminal for processing purposes; only deletion and retry leave them.
func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to catalog.Status }{
		{catalog.StatusPending, catalog.StatusProcessing},
		{catalog.StatusPending, catalog.StatusFailed},
		{catalog.StatusProcessing, catalog.StatusCompleted},
		{catalog.StatusProcessing, catalog.StatusFailed},
		{catalog.StatusFailed, catalog.StatusPending},
		{catalog.StatusCompleted, catalog.StatusDeleted},
		{catalog.StatusFailed, catalog.StatusDeleted},
	}
	for _, e := range legal {
		assert.True(t, catalog.CanTransition(e.from, e.to), "%s -> %s should be legal", e.from, e.to)
	}

	illegal := []struct{ from, to catalog.Status }{
		{catalog.StatusPending, catalog.StatusCompleted},
		{catalog.StatusPending, catalog.StatusDeleted},
		{catalog.StatusProcessing, catalog.StatusPending},
		{catalog.StatusProcessing, catalog.StatusDeleted},
		{catalog.StatusCompleted, catalog.StatusProcessing},
		{catalog.StatusCompleted, catalog.StatusPending},
		{catalog.StatusCompleted, catalog.StatusFailed},
		{catalog.StatusFailed, catalog.StatusProcessing},
		{catalog.StatusFailed, catalog.StatusCompleted},
		{catalog.StatusDeleted, catalog.StatusPending},
		{catalog.StatusDeleted, catalog.StatusProcessing},
		{catalog.StatusDeleted, catalog.StatusCompleted},
		{catalog.StatusDeleted, catalog.StatusFailed},
	}
	for _, e := range illegal {
		assert.False(t, catalog.CanTransition(e.from, e.to), "%s -> %s should be illegal", e.from, e.to)
	}
}

func TestLegalPredecessors(t *testing.T) {
	assert.ElementsMatch(t,
		[]catalog.Status{catalog.StatusCompleted, catalog.StatusFailed},
		catalog.LegalPredecessors(catalog.StatusDeleted))
	assert.Equal(t, []catalog.Status{catalog.StatusPending}, catalog.LegalPredecessors(catalog.StatusProcessing))
	assert.Empty(t, catalog.LegalPredecessors(catalog.Status("bogus")))
}

func TestMonthStart(t *testing.T) {
	mid := time.Date(2026, 8, 25, 13, 45, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), catalog.MonthStart(mid))

	// A local time just after local midnight on the 1st can still belong to
	// the previous UTC month.
	tz := time.FixedZone("UTC+2", 2*3600)
	early := time.Date(2026, 3, 1, 0, 30, 0, 0, tz)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), catalog.MonthStart(early))
}

func TestTruncateErrorLog(t *testing.T) {
	short := "stage download: connection refused"
	assert.Equal(t, short, catalog.TruncateErrorLog(short))

	long := strings.Repeat("x", catalog.MaxErrorLogBytes+500)
	got := catalog.TruncateErrorLog(long)
	assert.Len(t, got, catalog.MaxErrorLogBytes)

	// A multi-byte rune straddling the limit is dropped whole.
	runeStraddle := strings.Repeat("x", catalog.MaxErrorLogBytes-1) + "é" + strings.Repeat("y", 100)
	got = catalog.TruncateErrorLog(runeStraddle)
	assert.LessOrEqual(t, len(got), catalog.MaxErrorLogBytes)
	assert.True(t, strings.HasSuffix(got, "x"), "partial rune must not survive truncation")
}
