package dashboard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyReplacesBalanceAndAddsStats(t *testing.T) {
	current := *baseSnapshot()
	event := liveEvent("95.50", "2026-05-01T10:00:00Z", "4.50", 1200, 300)

	next := Apply(current, event)

	assert.True(t, next.Balance.Equal(dec("95.50")), "balance %s", next.Balance)
	assert.Equal(t, 11, next.Stats.TotalRequests)
	assert.Equal(t, 2200, next.Stats.PromptTokens)
	assert.Equal(t, 800, next.Stats.CompletionTokens)
	assert.True(t, next.Stats.TotalCost.Equal(dec("5.75")), "total cost %s", next.Stats.TotalCost)
	assert.Equal(t, ts("2026-05-01T10:00:00Z"), next.LastUsed)
	require.Len(t, next.Usage, 1)
	assert.Nil(t, next.Usage[0].ID)
	assert.Equal(t, "claude-3-5-sonnet", next.Usage[0].Model)

	// Untouched fields survive.
	assert.Equal(t, "Ada", next.UserName)
	assert.Equal(t, current.CreatedAt, next.CreatedAt)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	current := *baseSnapshot()
	id := int64(7)
	current.Usage = []UsageRecord{{ID: &id, CreatedAt: ts("2026-05-01T08:00:00Z"), CostUSD: dec("0.1")}}

	_ = Apply(current, liveEvent("90", "2026-05-01T10:00:00Z", "1", 1, 1))

	require.Len(t, current.Usage, 1)
	assert.Equal(t, &id, current.Usage[0].ID)
	assert.True(t, current.Balance.Equal(dec("100")))
	assert.Equal(t, 10, current.Stats.TotalRequests)
}

func TestApplySortsNewestFirst(t *testing.T) {
	current := *baseSnapshot()
	current.Usage = []UsageRecord{
		{Model: "newer", CreatedAt: ts("2026-05-01T12:00:00Z")},
		{Model: "older", CreatedAt: ts("2026-05-01T08:00:00Z")},
	}

	// A late-arriving event lands between existing rows.
	next := Apply(current, liveEvent("99", "2026-05-01T10:00:00Z", "0.01", 1, 1))

	require.Len(t, next.Usage, 3)
	assert.Equal(t, "newer", next.Usage[0].Model)
	assert.Equal(t, "claude-3-5-sonnet", next.Usage[1].Model)
	assert.Equal(t, "older", next.Usage[2].Model)
	// lastUsed never moves backwards.
	assert.Equal(t, current.LastUsed, next.LastUsed)
}

func TestApplyLastUsedIsMonotonic(t *testing.T) {
	current := *baseSnapshot()
	current.LastUsed = ts("2026-05-01T12:00:00Z")

	next := Apply(current, liveEvent("99", "2026-05-01T11:00:00Z", "0.01", 1, 1))
	assert.Equal(t, ts("2026-05-01T12:00:00Z"), next.LastUsed)

	next = Apply(next, liveEvent("98", "2026-05-01T13:00:00Z", "0.01", 1, 1))
	assert.Equal(t, ts("2026-05-01T13:00:00Z"), next.LastUsed)
}

func TestApplyTruncatesToMaxRecords(t *testing.T) {
	snapshot := *baseSnapshot()
	start := ts("2026-05-01T00:00:00Z")
	for i := 0; i < MaxUsageRecords+1; i++ {
		at := start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		snapshot = Apply(snapshot, liveEvent(fmt.Sprintf("%d", 1000-i), at, "0.01", 10, 5))
	}

	require.Len(t, snapshot.Usage, MaxUsageRecords)
	assert.Equal(t, start.Add(MaxUsageRecords*time.Minute), snapshot.Usage[0].CreatedAt, "newest kept first")
	assert.Equal(t, start.Add(time.Minute), snapshot.Usage[MaxUsageRecords-1].CreatedAt, "oldest event dropped")
	// Stats count every event even after the list is capped.
	assert.Equal(t, 10+MaxUsageRecords+1, snapshot.Stats.TotalRequests)
	assert.True(t, snapshot.Stats.TotalCost.Equal(dec("1.25").Add(dec("0.51"))), "total cost %s", snapshot.Stats.TotalCost)
	assert.True(t, snapshot.Balance.Equal(dec("950")))
}

func TestApplyEqualTimestampsKeepArrivalOrder(t *testing.T) {
	snapshot := *baseSnapshot()
	first := liveEvent("99", "2026-05-01T10:00:00Z", "0.01", 1, 1)
	first.UsageDelta.Model = "first"
	second := liveEvent("98", "2026-05-01T10:00:00Z", "0.01", 1, 1)
	second.UsageDelta.Model = "second"

	snapshot = Apply(snapshot, first)
	snapshot = Apply(snapshot, second)

	require.Len(t, snapshot.Usage, 2)
	assert.Equal(t, "second", snapshot.Usage[0].Model)
	assert.Equal(t, "first", snapshot.Usage[1].Model)
}

func TestApplyCountsDuplicateDeliveries(t *testing.T) {
	snapshot := *baseSnapshot()
	event := liveEvent("99", "2026-05-01T10:00:00Z", "0.50", 1, 1)

	snapshot = Apply(snapshot, event)
	snapshot = Apply(snapshot, event)

	assert.Equal(t, 12, snapshot.Stats.TotalRequests)
	assert.Len(t, snapshot.Usage, 2)
	assert.True(t, snapshot.Stats.TotalCost.Equal(dec("2.25")))
}
