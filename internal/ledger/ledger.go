// Package ledger implements an append-only balance ledger over a
// relational store: every mutation is recorded as an immutable event,
// folded into resolution-bucketed delta rows and into a per-key running
// balance in one transaction, with periodic history snapshots of the
// balance table.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType tells whether a mutation adds to or subtracts from a balance.
type EventType string

const (
	Increase EventType = "increase"
	Decrease EventType = "decrease"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return t == Increase || t == Decrease
}

// Event is one immutable balance-affecting record. The tuple
// (Type, Account, Depot, Asset, Order) is unique: replaying the same
// order token for the same typed key is rejected as a duplicate.
type Event struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Account   int64           `json:"account"`
	Depot     int64           `json:"depot"`
	Asset     int64           `json:"asset"`
	Order     int64           `json:"order"`
	Change    decimal.Decimal `json:"change"`
	Data      string          `json:"data"`
}

// Update is a delta row bucketed to a resolution-truncated timestamp.
// Events landing in the same bucket for the same typed, tagged key
// accumulate into a single row.
type Update struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Resolution Resolution      `json:"resolution"`
	Type       EventType       `json:"type"`
	Account    int64           `json:"account"`
	Depot      int64           `json:"depot"`
	Asset      int64           `json:"asset"`
	Change     decimal.Decimal `json:"change"`
	Data       string          `json:"data"`
}

// Balance is the current running total for one (account, depot, asset)
// key, maintained incrementally by the write path.
type Balance struct {
	Account   int64           `json:"account"`
	Depot     int64           `json:"depot"`
	Asset     int64           `json:"asset"`
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// HistoryEntry is one balance row captured by a snapshot run. All rows of
// a run share the same quantum-truncated timestamp.
type HistoryEntry struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Account   int64           `json:"account"`
	Depot     int64           `json:"depot"`
	Asset     int64           `json:"asset"`
	Value     decimal.Decimal `json:"value"`
}

// Mutation is the caller-facing input of Increase and Decrease. Value is
// a magnitude; the operation determines the sign. Order is the caller's
// idempotency token, typically an upstream transaction or trade id.
type Mutation struct {
	Account   int64           `json:"account"`
	Depot     int64           `json:"depot"`
	Asset     int64           `json:"asset"`
	Value     decimal.Decimal `json:"value"`
	Order     int64           `json:"order"`
	Data      string          `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Drift compares one balance row against the event sum for its key.
type Drift struct {
	Account    int64           `json:"account"`
	Depot      int64           `json:"depot"`
	Asset      int64           `json:"asset"`
	Balance    decimal.Decimal `json:"balance"`
	EventSum   decimal.Decimal `json:"event_sum"`
	Consistent bool            `json:"consistent"`
}

// HistoryResult reports one snapshot invocation. Skipped is set when a
// snapshot already existed for the current time quantum.
type HistoryResult struct {
	Inserted int  `json:"inserted"`
	Skipped  bool `json:"skipped"`
}
