package dashboard

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type lookupRequestRaw struct {
	Key string `json:"key"`
}

type snapshotRaw struct {
	Valid                 bool            `json:"valid"`
	Balance               decimal.Decimal `json:"balance"`
	Status                string          `json:"status"`
	LastUsed              string          `json:"lastUsed"`
	CreatedAt             string          `json:"createdAt"`
	Stats                 UsageStats      `json:"stats"`
	Usage                 []usageItemRaw  `json:"usage"`
	AccountType           string          `json:"accountType"`
	DailyQuota            decimal.Decimal `json:"dailyQuota"`
	SubscriptionExpiresAt string          `json:"subscriptionExpiresAt"`
	SubscriptionActive    bool            `json:"subscriptionActive"`
	UserName              string          `json:"userName"`
	Analytics             Analytics       `json:"analytics"`
}

type usageItemRaw struct {
	CompletionTokens int             `json:"completionTokens"`
	CostUSD          decimal.Decimal `json:"costUSD"`
	CreatedAt        string          `json:"createdAt"`
	ID               *int64          `json:"id"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"promptTokens"`
}

type streamMessageRaw struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		Balance decimal.Decimal `json:"balance"`
		Usage   usageItemRaw    `json:"usage"`
	} `json:"data"`
}

// parseTimestamp accepts ISO-8601 with or without fractional seconds.
func parseTimestamp(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ISO8601 date %q", value)
	}
	return t.UTC(), nil
}

func normalizeSnapshot(raw snapshotRaw) (*Snapshot, error) {
	lastUsed, err := parseTimestamp(raw.LastUsed)
	if err != nil {
		return nil, fmt.Errorf("lastUsed: %w", err)
	}
	createdAt, err := parseTimestamp(raw.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}
	expiresAt, err := parseTimestamp(raw.SubscriptionExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("subscriptionExpiresAt: %w", err)
	}

	usage := make([]UsageRecord, 0, len(raw.Usage))
	for i, item := range raw.Usage {
		rec, err := normalizeUsageItem(item)
		if err != nil {
			return nil, fmt.Errorf("usage[%d]: %w", i, err)
		}
		usage = append(usage, rec)
	}

	return &Snapshot{
		Valid:                 raw.Valid,
		Balance:               raw.Balance,
		Status:                raw.Status,
		LastUsed:              lastUsed,
		CreatedAt:             createdAt,
		Stats:                 raw.Stats,
		Usage:                 usage,
		AccountType:           raw.AccountType,
		DailyQuota:            raw.DailyQuota,
		SubscriptionExpiresAt: expiresAt,
		SubscriptionActive:    raw.SubscriptionActive,
		UserName:              raw.UserName,
		Analytics:             raw.Analytics,
	}, nil
}

func normalizeUsageItem(item usageItemRaw) (UsageRecord, error) {
	createdAt, err := parseTimestamp(item.CreatedAt)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("createdAt: %w", err)
	}
	return UsageRecord{
		CompletionTokens: item.CompletionTokens,
		CostUSD:          item.CostUSD,
		CreatedAt:        createdAt,
		ID:               item.ID,
		Model:            item.Model,
		PromptTokens:     item.PromptTokens,
	}, nil
}

func normalizeStreamMessage(raw streamMessageRaw) (LiveUpdateEvent, error) {
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return LiveUpdateEvent{}, fmt.Errorf("timestamp: %w", err)
	}
	rec, err := normalizeUsageItem(raw.Data.Usage)
	if err != nil {
		return LiveUpdateEvent{}, fmt.Errorf("data.usage: %w", err)
	}
	return LiveUpdateEvent{
		Type:      raw.Type,
		Timestamp: ts,
		Balance:   raw.Data.Balance,
		UsageDelta: UsageDelta{
			CompletionTokens: rec.CompletionTokens,
			PromptTokens:     rec.PromptTokens,
			CostUSD:          rec.CostUSD,
			CreatedAt:        rec.CreatedAt,
			Model:            rec.Model,
		},
	}, nil
}
