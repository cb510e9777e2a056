package dashboard

import "sort"

// Apply folds one usage_update event into current and returns the result.
// current is not modified. Repeated delivery of the same event is counted
// again; the stream is expected to deliver each event at most once.
func Apply(current Snapshot, event LiveUpdateEvent) Snapshot {
	next := current
	record := event.UsageDelta.record()

	usage := make([]UsageRecord, 0, len(current.Usage)+1)
	usage = append(usage, record)
	usage = append(usage, current.Usage...)
	// Stable so that equal timestamps keep arrival order, newest arrival first.
	sort.SliceStable(usage, func(i, j int) bool {
		return usage[i].CreatedAt.After(usage[j].CreatedAt)
	})
	if len(usage) > MaxUsageRecords {
		usage = usage[:MaxUsageRecords]
	}
	next.Usage = usage

	next.Balance = event.Balance
	if record.CreatedAt.After(current.LastUsed) {
		next.LastUsed = record.CreatedAt
	}

	next.Stats.TotalRequests++
	next.Stats.PromptTokens += record.PromptTokens
	next.Stats.CompletionTokens += record.CompletionTokens
	next.Stats.TotalCost = current.Stats.TotalCost.Add(record.CostUSD)
	return next
}
