package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service wraps a Store with input validation and the aggregation logic
// that is independent of the backing database.
type Service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

// Increase appends a positive mutation for the given key. The order
// token makes the call idempotent: replaying it yields ErrDuplicate and
// leaves every table untouched.
func (s *Service) Increase(ctx context.Context, m Mutation) (Balance, error) {
	return s.apply(ctx, Increase, m)
}

// Decrease appends a negative mutation. The value is still given as a
// magnitude; the operation supplies the sign.
func (s *Service) Decrease(ctx context.Context, m Mutation) (Balance, error) {
	return s.apply(ctx, Decrease, m)
}

func (s *Service) apply(ctx context.Context, typ EventType, m Mutation) (Balance, error) {
	if m.Account <= 0 {
		return Balance{}, invalidf("account must be positive, got %d", m.Account)
	}
	if m.Depot <= 0 {
		return Balance{}, invalidf("depot must be positive, got %d", m.Depot)
	}
	if m.Asset <= 0 {
		return Balance{}, invalidf("asset must be positive, got %d", m.Asset)
	}
	if m.Order == 0 {
		return Balance{}, invalidf("order token must be set")
	}
	if m.Value.Sign() < 0 {
		return Balance{}, invalidf("value must not be negative, got %s", m.Value)
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = Raw.Truncate(ts)

	change := m.Value
	if typ == Decrease {
		change = change.Neg()
	}

	bal, err := s.store.Apply(ctx, Event{
		Timestamp: ts,
		Type:      typ,
		Account:   m.Account,
		Depot:     m.Depot,
		Asset:     m.Asset,
		Order:     m.Order,
		Change:    change,
		Data:      m.Data,
	})
	if err != nil {
		return Balance{}, err
	}

	s.log.Debug("ledger mutation applied",
		zap.String("type", string(typ)),
		zap.Int64("account", m.Account),
		zap.Int64("depot", m.Depot),
		zap.Int64("asset", m.Asset),
		zap.Int64("order", m.Order),
		zap.String("change", change.String()),
		zap.String("balance", bal.Value.String()))
	return bal, nil
}

func validateEventQuery(q EventQuery) error {
	if q.Account <= 0 {
		return invalidf("account must be positive, got %d", q.Account)
	}
	if q.Type != nil && !q.Type.Valid() {
		return invalidf("unknown event type %q", *q.Type)
	}
	if err := validateRange(q.Start, q.End); err != nil {
		return err
	}
	return validateDataFilter(q.Data, q.DataIn)
}

// Events returns one page of the filtered event log in id order.
func (s *Service) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	if err := validateEventQuery(q); err != nil {
		return nil, err
	}
	q.Limit = clampLimit(q.Limit)
	return s.store.Events(ctx, q)
}

// FetchEvents streams the filtered log through fn without the page
// ceiling; a limit is applied only when the caller sets one. A non-nil
// error from fn aborts the scan and is returned wrapped.
func (s *Service) FetchEvents(ctx context.Context, q EventQuery, fn func(Event) error) error {
	if err := validateEventQuery(q); err != nil {
		return err
	}
	return s.store.FetchEvents(ctx, q, fn)
}

func validateUpdateQuery(q *UpdateQuery) error {
	if q.Resolution == "" {
		q.Resolution = Raw
	}
	if !q.Resolution.Valid() {
		return invalidf("unknown resolution %q", q.Resolution)
	}
	return validateEventQuery(q.EventQuery)
}

// Updates returns one page of bucketed delta rows for the requested
// resolution, defaulting to the raw buckets.
func (s *Service) Updates(ctx context.Context, q UpdateQuery) ([]Update, error) {
	if err := validateUpdateQuery(&q); err != nil {
		return nil, err
	}
	q.Limit = clampLimit(q.Limit)
	return s.store.Updates(ctx, q)
}

func (s *Service) FetchUpdates(ctx context.Context, q UpdateQuery, fn func(Update) error) error {
	if err := validateUpdateQuery(&q); err != nil {
		return err
	}
	return s.store.FetchUpdates(ctx, q, fn)
}

func validateSumQuery(q SumQuery) error {
	if q.Account <= 0 {
		return invalidf("account must be positive, got %d", q.Account)
	}
	if q.Type != nil && !q.Type.Valid() {
		return invalidf("unknown event type %q", *q.Type)
	}
	if q.Resolution != "" && !q.Resolution.Valid() {
		return invalidf("unknown resolution %q", q.Resolution)
	}
	if err := validateRange(q.Start, q.End); err != nil {
		return err
	}
	return validateDataFilter(q.Data, q.DataIn)
}

// EventSum aggregates the event log into per-group totals. With a
// resolution set, rows are additionally split into time buckets; the
// bucketing runs over a streamed scan of the log since raw event
// timestamps carry no precomputed buckets.
func (s *Service) EventSum(ctx context.Context, q SumQuery) ([]SumRow, error) {
	if err := validateSumQuery(q); err != nil {
		return nil, err
	}
	if q.Resolution == "" || q.Resolution == Raw {
		return s.store.EventSum(ctx, q)
	}
	return s.bucketEvents(ctx, q)
}

// FetchEventSum is the streaming form of EventSum: each aggregate row
// goes through fn, and a non-nil error from fn aborts the delivery and
// is returned wrapped. Bucketed aggregation needs the full scan before
// any row is final, so only the delivery streams in that case.
func (s *Service) FetchEventSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error {
	if err := validateSumQuery(q); err != nil {
		return err
	}
	if q.Resolution == "" || q.Resolution == Raw {
		return s.store.FetchEventSum(ctx, q, fn)
	}
	rows, err := s.bucketEvents(ctx, q)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := fn(row); err != nil {
			return fmt.Errorf("sum consumer: %w", err)
		}
	}
	return nil
}

type sumKey struct {
	account int64
	depot   int64
	asset   int64
	bucket  int64
}

func (s *Service) bucketEvents(ctx context.Context, q SumQuery) ([]SumRow, error) {
	eq := EventQuery{
		Account: q.Account,
		Depot:   q.Depot,
		Asset:   q.Asset,
		Type:    q.Type,
		Data:    q.Data,
		DataIn:  q.DataIn,
		Start:   q.Start,
		End:     q.End,
	}

	sums := make(map[sumKey]decimal.Decimal)
	err := s.store.FetchEvents(ctx, eq, func(ev Event) error {
		key := sumKey{
			account: ev.Account,
			asset:   ev.Asset,
			bucket:  q.Resolution.Truncate(ev.Timestamp).Unix(),
		}
		if q.GroupDepots {
			key.depot = ev.Depot
		}
		sums[key] = sums[key].Add(ev.Change)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]SumRow, 0, len(sums))
	for key, value := range sums {
		row := SumRow{Account: key.account, Asset: key.asset, Value: value}
		if q.GroupDepots {
			d := key.depot
			row.Depot = &d
		}
		b := time.Unix(key.bucket, 0).UTC()
		row.Bucket = &b
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if q.GroupDepots && *a.Depot != *b.Depot {
			return *a.Depot < *b.Depot
		}
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return a.Bucket.Before(*b.Bucket)
	})
	return out, nil
}

// UpdateSum aggregates the precomputed delta rows. Bucketed sums read
// the matching resolution's rows directly, so the heavy lifting stays
// in the database.
func (s *Service) UpdateSum(ctx context.Context, q SumQuery) ([]SumRow, error) {
	if err := validateSumQuery(q); err != nil {
		return nil, err
	}
	return s.store.UpdateSum(ctx, q)
}

// FetchUpdateSum streams the delta-row aggregates through fn.
func (s *Service) FetchUpdateSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error {
	if err := validateSumQuery(q); err != nil {
		return err
	}
	return s.store.FetchUpdateSum(ctx, q, fn)
}

// Balance reads the current running total for one key. A key that has
// never seen an event reports found=false rather than an error.
func (s *Service) Balance(ctx context.Context, account, depot, asset int64) (Balance, bool, error) {
	if account <= 0 || depot <= 0 || asset <= 0 {
		return Balance{}, false, invalidf("account, depot and asset must be positive")
	}
	return s.store.Balance(ctx, account, depot, asset)
}

// Balances lists every tracked key with its current total.
func (s *Service) Balances(ctx context.Context) ([]Balance, error) {
	return s.store.Balances(ctx)
}

// UpdateHistory snapshots the balance table for the current day. A
// second call within the same day is a no-op reported via Skipped.
func (s *Service) UpdateHistory(ctx context.Context) (HistoryResult, error) {
	inserted, skipped, err := s.store.SnapshotHistory(ctx, time.Now())
	if err != nil {
		return HistoryResult{}, err
	}
	if skipped {
		s.log.Debug("history snapshot already present for quantum")
	} else {
		s.log.Info("history snapshot written", zap.Int("rows", inserted))
	}
	return HistoryResult{Inserted: inserted, Skipped: skipped}, nil
}

// History returns one page of snapshot rows.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	if err := validateRange(q.Start, q.End); err != nil {
		return nil, err
	}
	q.Limit = clampLimit(q.Limit)
	return s.store.History(ctx, q)
}

// VerifyConservation recomputes every key's event sum and compares it
// against the maintained balance, returning one row per key.
func (s *Service) VerifyConservation(ctx context.Context) ([]Drift, error) {
	return s.store.VerifyConservation(ctx)
}
