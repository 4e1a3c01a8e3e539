package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ledger-infra/internal/migrate"
)

// stubStore lets each test intercept just the calls it cares about.
type stubStore struct {
	applyFn       func(ctx context.Context, ev Event) (Balance, error)
	eventsFn      func(ctx context.Context, q EventQuery) ([]Event, error)
	fetchEventsFn func(ctx context.Context, q EventQuery, fn func(Event) error) error
	updatesFn     func(ctx context.Context, q UpdateQuery) ([]Update, error)
	updateSumFn   func(ctx context.Context, q SumQuery) ([]SumRow, error)
	fetchSumFn    func(ctx context.Context, q SumQuery, fn func(SumRow) error) error
	historyFn     func(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)
}

func (s *stubStore) Apply(ctx context.Context, ev Event) (Balance, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, ev)
	}
	return Balance{Account: ev.Account, Depot: ev.Depot, Asset: ev.Asset, Value: ev.Change}, nil
}

func (s *stubStore) Balance(ctx context.Context, account, depot, asset int64) (Balance, bool, error) {
	return Balance{}, false, nil
}

func (s *stubStore) Balances(ctx context.Context) ([]Balance, error) { return nil, nil }

func (s *stubStore) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	if s.eventsFn != nil {
		return s.eventsFn(ctx, q)
	}
	return nil, nil
}

func (s *stubStore) FetchEvents(ctx context.Context, q EventQuery, fn func(Event) error) error {
	if s.fetchEventsFn != nil {
		return s.fetchEventsFn(ctx, q, fn)
	}
	return nil
}

func (s *stubStore) Updates(ctx context.Context, q UpdateQuery) ([]Update, error) {
	if s.updatesFn != nil {
		return s.updatesFn(ctx, q)
	}
	return nil, nil
}

func (s *stubStore) FetchUpdates(ctx context.Context, q UpdateQuery, fn func(Update) error) error {
	return nil
}

func (s *stubStore) EventSum(ctx context.Context, q SumQuery) ([]SumRow, error) { return nil, nil }

func (s *stubStore) FetchEventSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error {
	if s.fetchSumFn != nil {
		return s.fetchSumFn(ctx, q, fn)
	}
	return nil
}

func (s *stubStore) UpdateSum(ctx context.Context, q SumQuery) ([]SumRow, error) {
	if s.updateSumFn != nil {
		return s.updateSumFn(ctx, q)
	}
	return nil, nil
}

func (s *stubStore) FetchUpdateSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error {
	if s.fetchSumFn != nil {
		return s.fetchSumFn(ctx, q, fn)
	}
	return nil
}

func (s *stubStore) SnapshotHistory(ctx context.Context, at time.Time) (int, bool, error) {
	return 0, false, nil
}

func (s *stubStore) History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, q)
	}
	return nil, nil
}

func (s *stubStore) VerifyConservation(ctx context.Context) ([]Drift, error) { return nil, nil }
func (s *stubStore) Migrations() []migrate.Migration                         { return nil }
func (s *stubStore) MigrationBackend() migrate.Backend                       { return nil }
func (s *stubStore) Close() error                                            { return nil }

func newTestService(store Store) *Service {
	return NewService(store, zap.NewNop())
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyValidation(t *testing.T) {
	svc := newTestService(&stubStore{})
	ctx := context.Background()

	cases := []struct {
		name string
		m    Mutation
	}{
		{"missing account", Mutation{Depot: 1, Asset: 1, Value: dec("1"), Order: 1}},
		{"missing depot", Mutation{Account: 1, Asset: 1, Value: dec("1"), Order: 1}},
		{"missing asset", Mutation{Account: 1, Depot: 1, Value: dec("1"), Order: 1}},
		{"missing order", Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1")}},
		{"negative value", Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("-1"), Order: 1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.Increase(ctx, c.m)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestApplySignsAndTimestamps(t *testing.T) {
	var got Event
	svc := newTestService(&stubStore{
		applyFn: func(ctx context.Context, ev Event) (Balance, error) {
			got = ev
			return Balance{Value: ev.Change}, nil
		},
	})
	ctx := context.Background()

	before := time.Now()
	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 2, Asset: 3, Value: dec("2.5"), Order: 10})
	require.NoError(t, err)
	assert.Equal(t, Increase, got.Type)
	assert.True(t, got.Change.Equal(dec("2.5")))
	// defaulted timestamp, floored to whole seconds
	assert.False(t, got.Timestamp.Before(Raw.Truncate(before)))
	assert.Zero(t, got.Timestamp.Nanosecond())

	explicit := time.Date(2026, time.May, 4, 12, 0, 0, 789, time.UTC)
	_, err = svc.Decrease(ctx, Mutation{Account: 1, Depot: 2, Asset: 3, Value: dec("1"), Order: 11, Timestamp: explicit})
	require.NoError(t, err)
	assert.Equal(t, Decrease, got.Type)
	assert.True(t, got.Change.Equal(dec("-1")))
	assert.True(t, got.Timestamp.Equal(explicit.Truncate(time.Second)))
}

func TestEventsQueryValidation(t *testing.T) {
	svc := newTestService(&stubStore{})
	ctx := context.Background()

	_, err := svc.Events(ctx, EventQuery{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	bad := EventType("transfer")
	_, err = svc.Events(ctx, EventQuery{Account: 1, Type: &bad})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err = svc.Events(ctx, EventQuery{Account: 1, Start: &start, End: &end})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	tag := "x"
	_, err = svc.Events(ctx, EventQuery{Account: 1, Data: &tag, DataIn: []string{"y"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEventsClampsLimit(t *testing.T) {
	var got EventQuery
	svc := newTestService(&stubStore{
		eventsFn: func(ctx context.Context, q EventQuery) ([]Event, error) {
			got = q
			return nil, nil
		},
	})
	ctx := context.Background()

	_, err := svc.Events(ctx, EventQuery{Account: 1})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, got.Limit)

	_, err = svc.Events(ctx, EventQuery{Account: 1, Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, got.Limit)

	_, err = svc.Events(ctx, EventQuery{Account: 1, Limit: 25})
	require.NoError(t, err)
	assert.Equal(t, 25, got.Limit)
}

func TestUpdatesDefaultResolution(t *testing.T) {
	var got UpdateQuery
	svc := newTestService(&stubStore{
		updatesFn: func(ctx context.Context, q UpdateQuery) ([]Update, error) {
			got = q
			return nil, nil
		},
	})
	ctx := context.Background()

	_, err := svc.Updates(ctx, UpdateQuery{EventQuery: EventQuery{Account: 1}})
	require.NoError(t, err)
	assert.Equal(t, Raw, got.Resolution)

	_, err = svc.Updates(ctx, UpdateQuery{EventQuery: EventQuery{Account: 1}, Resolution: "fortnight"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEventSumBucketsOverStream(t *testing.T) {
	day1 := time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, time.June, 2, 9, 0, 0, 0, time.UTC)
	events := []Event{
		{Account: 1, Depot: 1, Asset: 7, Timestamp: day1, Change: dec("10")},
		{Account: 1, Depot: 1, Asset: 7, Timestamp: day1.Add(time.Hour), Change: dec("5")},
		{Account: 1, Depot: 2, Asset: 7, Timestamp: day1, Change: dec("1")},
		{Account: 1, Depot: 1, Asset: 7, Timestamp: day2, Change: dec("-3")},
	}
	svc := newTestService(&stubStore{
		fetchEventsFn: func(ctx context.Context, q EventQuery, fn func(Event) error) error {
			for _, ev := range events {
				if err := fn(ev); err != nil {
					return err
				}
			}
			return nil
		},
	})
	ctx := context.Background()

	// depots collapsed: one row per day
	rows, err := svc.EventSum(ctx, SumQuery{Account: 1, Resolution: Day})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Value.Equal(dec("16")))
	assert.True(t, rows[0].Bucket.Equal(Day.Truncate(day1)))
	assert.Nil(t, rows[0].Depot)
	assert.True(t, rows[1].Value.Equal(dec("-3")))

	// depots grouped: day1 splits by depot
	rows, err = svc.EventSum(ctx, SumQuery{Account: 1, Resolution: Day, GroupDepots: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.NotNil(t, rows[0].Depot)
	assert.Equal(t, int64(1), *rows[0].Depot)
	assert.True(t, rows[0].Value.Equal(dec("15")))
	assert.Equal(t, int64(2), *rows[2].Depot)
	assert.True(t, rows[2].Value.Equal(dec("1")))
}

func TestFetchEventSumDeliversBucketedRows(t *testing.T) {
	day1 := time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, time.June, 2, 9, 0, 0, 0, time.UTC)
	events := []Event{
		{Account: 1, Depot: 1, Asset: 7, Timestamp: day1, Change: dec("4")},
		{Account: 1, Depot: 1, Asset: 7, Timestamp: day2, Change: dec("6")},
	}
	svc := newTestService(&stubStore{
		fetchEventsFn: func(ctx context.Context, q EventQuery, fn func(Event) error) error {
			for _, ev := range events {
				if err := fn(ev); err != nil {
					return err
				}
			}
			return nil
		},
	})
	ctx := context.Background()

	var rows []SumRow
	err := svc.FetchEventSum(ctx, SumQuery{Account: 1, Resolution: Day}, func(row SumRow) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Value.Equal(dec("4")))
	assert.True(t, rows[1].Value.Equal(dec("6")))

	// a failing consumer stops the delivery after the first row
	seen := 0
	err = svc.FetchEventSum(ctx, SumQuery{Account: 1, Resolution: Day}, func(SumRow) error {
		seen++
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, seen)
}

func TestHistoryClampsLimit(t *testing.T) {
	var got HistoryQuery
	svc := newTestService(&stubStore{
		historyFn: func(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
			got = q
			return nil, nil
		},
	})
	_, err := svc.History(context.Background(), HistoryQuery{Limit: 100000})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, got.Limit)
}
