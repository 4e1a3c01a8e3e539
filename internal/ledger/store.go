package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ledger-infra/internal/migrate"
)

// Store is the persistence contract of the ledger. Apply must be atomic:
// the event insert, the bucket accumulation and the balance upsert either
// all commit or none do, and concurrent writers on one key serialize so
// no update is lost. Fetch variants deliver rows one at a time and stop
// on the first consumer error.
type Store interface {
	Apply(ctx context.Context, ev Event) (Balance, error)

	Balance(ctx context.Context, account, depot, asset int64) (Balance, bool, error)
	Balances(ctx context.Context) ([]Balance, error)

	Events(ctx context.Context, q EventQuery) ([]Event, error)
	FetchEvents(ctx context.Context, q EventQuery, fn func(Event) error) error
	Updates(ctx context.Context, q UpdateQuery) ([]Update, error)
	FetchUpdates(ctx context.Context, q UpdateQuery, fn func(Update) error) error

	EventSum(ctx context.Context, q SumQuery) ([]SumRow, error)
	FetchEventSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error
	UpdateSum(ctx context.Context, q SumQuery) ([]SumRow, error)
	FetchUpdateSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error

	SnapshotHistory(ctx context.Context, at time.Time) (int, bool, error)
	History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)

	VerifyConservation(ctx context.Context) ([]Drift, error)

	Migrations() []migrate.Migration
	MigrationBackend() migrate.Backend

	Close() error
}

// collectSums materializes a streaming sum into a slice; the list forms
// of the aggregate operations are this over their fetch forms.
func collectSums(ctx context.Context, q SumQuery, fetch func(context.Context, SumQuery, func(SumRow) error) error) ([]SumRow, error) {
	var out []SumRow
	err := fetch(ctx, q, func(row SumRow) error {
		out = append(out, row)
		return nil
	})
	return out, err
}

// scanSumRow reads one aggregate row; the column list varies with the
// grouping, so the destination slice is assembled to match.
func scanSumRow(scan func(dest ...any) error, groupDepots, bucketed bool) (SumRow, error) {
	var row SumRow
	var depot int64
	var bucket time.Time

	dest := []any{&row.Account}
	if groupDepots {
		dest = append(dest, &depot)
	}
	dest = append(dest, &row.Asset)
	if bucketed {
		dest = append(dest, &bucket)
	}
	dest = append(dest, &row.Value)

	if err := scan(dest...); err != nil {
		return SumRow{}, fmt.Errorf("scanning sum row: %w", err)
	}
	if groupDepots {
		d := depot
		row.Depot = &d
	}
	if bucketed {
		b := bucket.UTC()
		row.Bucket = &b
	}
	return row, nil
}
