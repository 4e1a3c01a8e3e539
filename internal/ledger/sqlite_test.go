package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ledger-infra/internal/migrate"
)

func newSQLiteService(t *testing.T) (*Service, *SQLiteStore) {
	t.Helper()

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner, err := migrate.NewRunner(store.MigrationBackend(), store.Migrations(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, runner.Update(context.Background(), 0))

	return NewService(store, zap.NewNop()), store
}

func TestBalanceAccumulates(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	bal, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 1})
	require.NoError(t, err)
	assert.True(t, bal.Value.Equal(dec("1")))

	bal, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("2"), Order: 2})
	require.NoError(t, err)
	assert.True(t, bal.Value.Equal(dec("3")))

	bal, err = svc.Decrease(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 3})
	require.NoError(t, err)
	assert.True(t, bal.Value.Equal(dec("2")))

	got, found, err := svc.Balance(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Value.Equal(dec("2")))
}

func TestReplayedOrderLeavesNoTrace(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()

	m := Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("5"), Order: 42}
	_, err := svc.Increase(ctx, m)
	require.NoError(t, err)

	_, err = svc.Increase(ctx, m)
	require.ErrorIs(t, err, ErrDuplicate)

	// balance unchanged
	bal, found, err := svc.Balance(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, bal.Value.Equal(dec("5")))

	// one event, one raw bucket row
	events, err := svc.Events(ctx, EventQuery{Account: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	updates, err := store.Updates(ctx, UpdateQuery{EventQuery: EventQuery{Account: 1}, Resolution: Raw})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Change.Equal(dec("5")))
}

func TestSameOrderDifferentTypeAllowed(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("5"), Order: 9})
	require.NoError(t, err)
	_, err = svc.Decrease(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("2"), Order: 9})
	require.NoError(t, err)

	bal, _, err := svc.Balance(ctx, 1, 1, 1)
	require.NoError(t, err)
	assert.True(t, bal.Value.Equal(dec("3")))
}

func TestKeysAreIndependent(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 1})
	require.NoError(t, err)
	_, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 2, Asset: 1, Value: dec("2"), Order: 2})
	require.NoError(t, err)
	_, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 2, Value: dec("4"), Order: 3})
	require.NoError(t, err)

	bal, _, _ := svc.Balance(ctx, 1, 1, 1)
	assert.True(t, bal.Value.Equal(dec("1")))
	bal, _, _ = svc.Balance(ctx, 1, 2, 1)
	assert.True(t, bal.Value.Equal(dec("2")))
	bal, _, _ = svc.Balance(ctx, 1, 1, 2)
	assert.True(t, bal.Value.Equal(dec("4")))

	balances, err := svc.Balances(ctx)
	require.NoError(t, err)
	assert.Len(t, balances, 3)
}

func TestUpdateBucketsAccumulate(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	day := time.Date(2026, time.July, 7, 0, 0, 0, 0, time.UTC)
	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 1, Timestamp: day.Add(9 * time.Hour)})
	require.NoError(t, err)
	_, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("2"), Order: 2, Timestamp: day.Add(15 * time.Hour)})
	require.NoError(t, err)

	// raw buckets stay apart, the day bucket folds both events
	raw, err := svc.Updates(ctx, UpdateQuery{EventQuery: EventQuery{Account: 1}})
	require.NoError(t, err)
	assert.Len(t, raw, 2)

	daily, err := svc.Updates(ctx, UpdateQuery{EventQuery: EventQuery{Account: 1}, Resolution: Day})
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.True(t, daily[0].Change.Equal(dec("3")))
	assert.True(t, daily[0].Timestamp.Equal(day))
}

func TestEventFilters(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	base := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 1, Data: "trade", Timestamp: base})
	require.NoError(t, err)
	_, err = svc.Decrease(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 2, Data: "fee", Timestamp: base.Add(time.Hour)})
	require.NoError(t, err)
	_, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 3, Timestamp: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	_, err = svc.Increase(ctx, Mutation{Account: 2, Depot: 1, Asset: 1, Value: dec("1"), Order: 4, Timestamp: base})
	require.NoError(t, err)

	// account scoping
	events, err := svc.Events(ctx, EventQuery{Account: 1})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// type filter
	typ := Decrease
	events, err = svc.Events(ctx, EventQuery{Account: 1, Type: &typ})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Order)

	// exact tag, including the empty tag
	empty := ""
	events, err = svc.Events(ctx, EventQuery{Account: 1, Data: &empty})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Order)

	// tag set
	events, err = svc.Events(ctx, EventQuery{Account: 1, DataIn: []string{"trade", "fee"}})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// inclusive time range
	start := base.Add(time.Hour)
	end := base.Add(2 * time.Hour)
	events, err = svc.Events(ctx, EventQuery{Account: 1, Start: &start, End: &end})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEventPagination(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: i})
		require.NoError(t, err)
	}

	page, err := svc.Events(ctx, EventQuery{Account: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)

	next, err := svc.Events(ctx, EventQuery{Account: 1, Limit: 2, FirstID: page[1].ID + 1})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Greater(t, next[0].ID, page[1].ID)

	bounded, err := svc.Events(ctx, EventQuery{Account: 1, LastID: page[1].ID})
	require.NoError(t, err)
	assert.Len(t, bounded, 2)
}

func TestFetchEventsStreamsInOrder(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: i})
		require.NoError(t, err)
	}

	var ids []int64
	err := svc.FetchEvents(ctx, EventQuery{Account: 1}, func(ev Event) error {
		ids = append(ids, ev.ID)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, ids, 4)
	assert.IsIncreasing(t, ids)
}

func TestFetchEventsAbortsOnConsumerError(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: i})
		require.NoError(t, err)
	}

	boom := errors.New("boom")
	seen := 0
	err := svc.FetchEvents(ctx, EventQuery{Account: 1}, func(ev Event) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, seen)
}

func TestSums(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	day1 := time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("10"), Order: 1, Timestamp: day1})
	require.NoError(t, err)
	_, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 2, Asset: 1, Value: dec("5"), Order: 2, Timestamp: day1})
	require.NoError(t, err)
	_, err = svc.Decrease(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("3"), Order: 3, Timestamp: day2})
	require.NoError(t, err)

	// plain total collapses depots
	rows, err := svc.EventSum(ctx, SumQuery{Account: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Value.Equal(dec("12")))
	assert.Nil(t, rows[0].Depot)
	assert.Nil(t, rows[0].Bucket)

	// grouped by depot
	rows, err = svc.EventSum(ctx, SumQuery{Account: 1, GroupDepots: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Value.Equal(dec("7")))
	assert.True(t, rows[1].Value.Equal(dec("5")))

	// daily buckets from the precomputed update rows
	rows, err = svc.UpdateSum(ctx, SumQuery{Account: 1, Resolution: Day})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Value.Equal(dec("15")))
	assert.True(t, rows[1].Value.Equal(dec("-3")))

	// day buckets sum to the plain total
	total := dec("0")
	for _, r := range rows {
		total = total.Add(r.Value)
	}
	assert.True(t, total.Equal(dec("12")))
}

func TestFetchSumsStreamRows(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	day1 := time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("10"), Order: 1, Timestamp: day1})
	require.NoError(t, err)
	_, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 2, Asset: 1, Value: dec("5"), Order: 2, Timestamp: day1})
	require.NoError(t, err)
	_, err = svc.Decrease(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("3"), Order: 3, Timestamp: day2})
	require.NoError(t, err)

	// plain event total, one row through the consumer
	var rows []SumRow
	err = svc.FetchEventSum(ctx, SumQuery{Account: 1}, func(row SumRow) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Value.Equal(dec("12")))

	// daily buckets from the update rows, delivered in bucket order
	rows = rows[:0]
	err = svc.FetchUpdateSum(ctx, SumQuery{Account: 1, Resolution: Day}, func(row SumRow) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Value.Equal(dec("15")))
	assert.True(t, rows[1].Value.Equal(dec("-3")))

	// a failing consumer aborts the scan
	boom := errors.New("boom")
	seen := 0
	err = svc.FetchUpdateSum(ctx, SumQuery{Account: 1, Resolution: Day}, func(SumRow) error {
		seen++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, seen)
}

func TestConcurrentWritersKeepBalancesExact(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			depot := int64(1 + i%2)
			_, errs[i] = svc.Increase(ctx, Mutation{Account: 1, Depot: depot, Asset: 1, Value: dec("1"), Order: int64(i + 1)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// each key holds exactly the writes it received
	bal, found, err := svc.Balance(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, bal.Value.Equal(dec("25")))

	bal, found, err = svc.Balance(ctx, 1, 2, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, bal.Value.Equal(dec("25")))

	drift, err := svc.VerifyConservation(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 2)
	for _, d := range drift {
		assert.True(t, d.Consistent)
	}
}

func TestHistorySnapshotIdempotentPerDay(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()

	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("4"), Order: 1})
	require.NoError(t, err)

	res, err := svc.UpdateHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.False(t, res.Skipped)

	// second run within the same day writes nothing
	res, err = svc.UpdateHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.True(t, res.Skipped)

	entries, err := svc.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Value.Equal(dec("4")))
	assert.True(t, entries[0].Timestamp.Equal(Day.Truncate(time.Now())))

	// a snapshot at another day quantum is not skipped
	n, skipped, err := store.SnapshotHistory(ctx, time.Now().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, skipped)
}

func TestVerifyConservation(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()

	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("2"), Order: 1})
	require.NoError(t, err)
	_, err = svc.Decrease(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 2})
	require.NoError(t, err)

	drift, err := svc.VerifyConservation(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.True(t, drift[0].Consistent)
	assert.True(t, drift[0].Balance.Equal(drift[0].EventSum))
}

func TestApplyIsAllOrNothing(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()

	// make the balance upsert fail mid-transaction
	_, err := store.db.Exec(`DROP TABLE ledger_balances`)
	require.NoError(t, err)

	_, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 1})
	require.Error(t, err)

	// the event insert rolled back with it
	events, err := svc.Events(ctx, EventQuery{Account: 1})
	require.NoError(t, err)
	assert.Empty(t, events)

	updates, err := svc.Updates(ctx, UpdateQuery{EventQuery: EventQuery{Account: 1}})
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestMigrationRerunAndReset(t *testing.T) {
	svc, store := newSQLiteService(t)
	ctx := context.Background()

	_, err := svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 1})
	require.NoError(t, err)

	// rerunning the full set is a no-op thanks to the log
	runner, err := migrate.NewRunner(store.MigrationBackend(), store.Migrations(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, runner.Update(ctx, 0))

	events, err := svc.Events(ctx, EventQuery{Account: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// reset empties the tables but keeps the schema usable
	require.NoError(t, runner.Reset(ctx))
	events, err = svc.Events(ctx, EventQuery{Account: 1})
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = svc.Increase(ctx, Mutation{Account: 1, Depot: 1, Asset: 1, Value: dec("1"), Order: 1})
	require.NoError(t, err)
}
