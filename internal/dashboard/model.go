package dashboard

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxUsageRecords caps Snapshot.Usage; older records fall off the end.
const MaxUsageRecords = 50

// Snapshot is the full account state returned by the lookup endpoint and kept
// fresh by the live stream.
type Snapshot struct {
	Valid                 bool            `json:"valid"`
	Balance               decimal.Decimal `json:"balance"`
	Status                string          `json:"status"`
	LastUsed              time.Time       `json:"lastUsed"`
	CreatedAt             time.Time       `json:"createdAt"`
	Stats                 UsageStats      `json:"stats"`
	Usage                 []UsageRecord   `json:"usage"`
	AccountType           string          `json:"accountType"`
	DailyQuota            decimal.Decimal `json:"dailyQuota"`
	SubscriptionExpiresAt time.Time       `json:"subscriptionExpiresAt"`
	SubscriptionActive    bool            `json:"subscriptionActive"`
	UserName              string          `json:"userName"`
	Analytics             Analytics       `json:"analytics"`
}

func (s Snapshot) WelcomeText() string {
	return "Welcome back, " + s.UserName
}

// UsageStats only ever grows while a snapshot is alive.
type UsageStats struct {
	CompletionTokens int             `json:"completionTokens"`
	PromptTokens     int             `json:"promptTokens"`
	TotalCost        decimal.Decimal `json:"totalCost"`
	TotalRequests    int             `json:"totalRequests"`
}

type UsageRecord struct {
	CompletionTokens int             `json:"completionTokens"`
	CostUSD          decimal.Decimal `json:"costUSD"`
	CreatedAt        time.Time       `json:"createdAt"`
	ID               *int64          `json:"id,omitempty"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"promptTokens"`
}

// StableID is a list key for UI diffing. Records pushed by the stream carry no
// server id, so their key is derived from their contents.
func (r UsageRecord) StableID() string {
	if r.ID != nil {
		return fmt.Sprintf("usage-%d", *r.ID)
	}
	return fmt.Sprintf("usage-%s-%d-%d-%d-%s",
		r.Model, r.CreatedAt.UnixNano(), r.PromptTokens, r.CompletionTokens, r.CostUSD.String())
}

// Analytics is carried through from the lookup response untouched.
type Analytics struct {
	DailyUsage         []DailyUsage     `json:"dailyUsage"`
	ModelBreakdown     []ModelBreakdown `json:"modelBreakdown"`
	HourlyDistribution []HourlyUsage    `json:"hourlyDistribution"`
	DaysRemaining      DaysRemaining    `json:"daysRemaining"`
}

type DailyUsage struct {
	Date              string          `json:"date"`
	TotalRequests     int             `json:"totalRequests"`
	TotalInputTokens  int             `json:"totalInputTokens"`
	TotalOutputTokens int             `json:"totalOutputTokens"`
	TotalCostUSD      decimal.Decimal `json:"totalCostUSD"`
}

type ModelBreakdown struct {
	Model     string          `json:"model"`
	TotalCost decimal.Decimal `json:"totalCostUSD"`
}

type HourlyUsage struct {
	HourOfDay     int             `json:"hourOfDay"`
	TotalRequests int             `json:"totalRequests"`
	TotalCostUSD  decimal.Decimal `json:"totalCostUSD"`
}

type DaysRemaining struct {
	RunwayMinutes    decimal.Decimal `json:"runwayMinutes"`
	AvgCostPerMinute decimal.Decimal `json:"avgCostPerMinute"`
	AvgDailyCost7d   decimal.Decimal `json:"avgDailyCost7d"`
}

// EventTypeUsageUpdate is the only stream message type that changes state.
const EventTypeUsageUpdate = "usage_update"

// LiveUpdateEvent is a decoded stream frame.
type LiveUpdateEvent struct {
	Type       string
	Timestamp  time.Time
	Balance    decimal.Decimal
	UsageDelta UsageDelta
}

type UsageDelta struct {
	CompletionTokens int
	PromptTokens     int
	CostUSD          decimal.Decimal
	CreatedAt        time.Time
	Model            string
}

func (d UsageDelta) record() UsageRecord {
	return UsageRecord{
		CompletionTokens: d.CompletionTokens,
		CostUSD:          d.CostUSD,
		CreatedAt:        d.CreatedAt,
		Model:            d.Model,
		PromptTokens:     d.PromptTokens,
	}
}

type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Label is the short live-status text shown next to the balance.
func (s ConnectionState) Label() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "live"
	case Reconnecting:
		return "reconnecting"
	default:
		return "offline"
	}
}
