package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxPageSize is both the default and the ceiling for list queries. A
// limit of 0 falls back to it; a larger limit is clamped, never rejected.
const MaxPageSize = 1000

// EventQuery filters the event log. Account is required; nil optional
// fields mean "no constraint". Data distinguishes absent (nil, no
// constraint) from pointer-to-empty (match rows whose tag is exactly
// empty); DataIn is an OR match over a tag set. Start and End are
// inclusive. FirstID and LastID bound the pagination window.
type EventQuery struct {
	Account int64
	Depot   *int64
	Asset   *int64
	Type    *EventType
	Data    *string
	DataIn  []string
	Start   *time.Time
	End     *time.Time
	Limit   int
	FirstID int64
	LastID  int64
}

// UpdateQuery filters the bucketed update rows. An empty Resolution
// selects the raw buckets.
type UpdateQuery struct {
	EventQuery
	Resolution Resolution
}

// SumQuery describes a grouped aggregate. Groups are always per account
// and asset; GroupDepots keeps depots separate instead of collapsing
// them. A non-empty Resolution composes the sum with bucketing, yielding
// one row per bucket per group.
type SumQuery struct {
	Account     int64
	Depot       *int64
	Asset       *int64
	Type        *EventType
	Data        *string
	DataIn      []string
	Start       *time.Time
	End         *time.Time
	GroupDepots bool
	Resolution  Resolution
}

// SumRow is one aggregate group. Depot is nil when depots are collapsed;
// Bucket is nil for plain totals.
type SumRow struct {
	Account int64           `json:"account"`
	Depot   *int64          `json:"depot"`
	Asset   int64           `json:"asset"`
	Bucket  *time.Time      `json:"bucket,omitempty"`
	Value   decimal.Decimal `json:"value"`
}

// HistoryQuery filters snapshot rows.
type HistoryQuery struct {
	Account *int64
	Depot   *int64
	Asset   *int64
	Start   *time.Time
	End     *time.Time
	Limit   int
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func validateRange(start, end *time.Time) error {
	if start != nil && end != nil && start.After(*end) {
		return invalidf("start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}

func validateDataFilter(data *string, dataIn []string) error {
	if data != nil && len(dataIn) > 0 {
		return invalidf("data and data set filters are mutually exclusive")
	}
	return nil
}
