package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ledger-infra/internal/migrate"
)

const (
	pgCodeSerializationFailure = "40001"
	pgCodeUniqueViolation      = "23505"

	writeTimeout = 5 * time.Second
	queryTimeout = 30 * time.Second
)

// PostgresStore runs the ledger on PostgreSQL through a pgx connection
// pool. Composite writes use SERIALIZABLE transactions with a bounded
// retry on serialization failure.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to databaseURL and verifies it with a
// ping. NUMERIC columns are decoded straight into decimal values.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStore wraps an existing pool, e.g. one shared with other
// modules.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Apply appends the event, folds it into every resolution bucket and the
// balance row, and returns the resulting balance, all in one
// transaction. A replayed order token surfaces as ErrDuplicate with
// nothing written.
func (s *PostgresStore) Apply(ctx context.Context, ev Event) (Balance, error) {
	const maxRetries = 3

	var bal Balance
	for attempt := 0; attempt < maxRetries; attempt++ {
		b, err := s.applyOnce(ctx, ev)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgCodeSerializationFailure {
				if attempt == maxRetries-1 {
					return Balance{}, fmt.Errorf("apply failed after %d retries due to serialization failure: %w", maxRetries, err)
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return Balance{}, err
		}
		bal = b
		break
	}
	return bal, nil
}

func (s *PostgresStore) applyOnce(ctx context.Context, ev Event) (Balance, error) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	conn, err := s.pool.Acquire(writeCtx)
	if err != nil {
		return Balance{}, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(writeCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Balance{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(writeCtx)

	_, err = tx.Exec(writeCtx, rebind(insertEventSQL),
		ev.Timestamp.UTC(), string(ev.Type), ev.Account, ev.Depot, ev.Asset, ev.Order, ev.Change, ev.Data)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation {
			return Balance{}, fmt.Errorf("event %s account=%d depot=%d asset=%d order=%d: %w",
				ev.Type, ev.Account, ev.Depot, ev.Asset, ev.Order, ErrDuplicate)
		}
		return Balance{}, fmt.Errorf("inserting event: %w", err)
	}

	for _, res := range Resolutions() {
		_, err = tx.Exec(writeCtx, rebind(upsertUpdateSQL),
			res.Truncate(ev.Timestamp), string(res), string(ev.Type),
			ev.Account, ev.Depot, ev.Asset, ev.Change, ev.Data)
		if err != nil {
			return Balance{}, fmt.Errorf("accumulating %s bucket: %w", res, err)
		}
	}

	_, err = tx.Exec(writeCtx, rebind(upsertBalanceSQL),
		ev.Account, ev.Depot, ev.Asset, ev.Change, ev.Timestamp.UTC())
	if err != nil {
		return Balance{}, fmt.Errorf("upserting balance: %w", err)
	}

	var bal Balance
	err = tx.QueryRow(writeCtx, rebind(selectBalanceSQL), ev.Account, ev.Depot, ev.Asset).
		Scan(&bal.Account, &bal.Depot, &bal.Asset, &bal.Value, &bal.Timestamp)
	if err != nil {
		return Balance{}, fmt.Errorf("reading back balance: %w", err)
	}
	bal.Timestamp = bal.Timestamp.UTC()

	if err := tx.Commit(writeCtx); err != nil {
		return Balance{}, fmt.Errorf("committing: %w", err)
	}
	return bal, nil
}

// Balance reads the current value for one key. A never-written key
// reports found=false, not an error.
func (s *PostgresStore) Balance(ctx context.Context, account, depot, asset int64) (Balance, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var bal Balance
	err := s.pool.QueryRow(queryCtx, rebind(selectBalanceSQL), account, depot, asset).
		Scan(&bal.Account, &bal.Depot, &bal.Asset, &bal.Value, &bal.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, false, nil
		}
		return Balance{}, false, fmt.Errorf("reading balance: %w", err)
	}
	bal.Timestamp = bal.Timestamp.UTC()
	return bal, true, nil
}

// Balances lists the whole projection in key order.
func (s *PostgresStore) Balances(ctx context.Context) ([]Balance, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, selectBalancesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing balances: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var bal Balance
		if err := rows.Scan(&bal.Account, &bal.Depot, &bal.Asset, &bal.Value, &bal.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning balance: %w", err)
		}
		bal.Timestamp = bal.Timestamp.UTC()
		out = append(out, bal)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	var out []Event
	err := s.FetchEvents(ctx, q, func(ev Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

// FetchEvents streams matching events in id order. The cursor stays
// paused while fn runs, so a slow consumer backpressures the retrieval;
// a consumer error aborts the remaining delivery.
func (s *PostgresStore) FetchEvents(ctx context.Context, q EventQuery, fn func(Event) error) error {
	stmt, args := eventSelectSQL(q)
	rows, err := s.pool.Query(ctx, rebind(stmt), args...)
	if err != nil {
		return fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev Event
		var typ string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &typ, &ev.Account, &ev.Depot, &ev.Asset, &ev.Order, &ev.Change, &ev.Data); err != nil {
			return fmt.Errorf("scanning event: %w", err)
		}
		ev.Type = EventType(typ)
		ev.Timestamp = ev.Timestamp.UTC()
		if err := fn(ev); err != nil {
			return fmt.Errorf("event consumer: %w", err)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Updates(ctx context.Context, q UpdateQuery) ([]Update, error) {
	var out []Update
	err := s.FetchUpdates(ctx, q, func(u Update) error {
		out = append(out, u)
		return nil
	})
	return out, err
}

// FetchUpdates streams matching bucket rows, with the same delivery
// contract as FetchEvents.
func (s *PostgresStore) FetchUpdates(ctx context.Context, q UpdateQuery, fn func(Update) error) error {
	stmt, args := updateSelectSQL(q)
	rows, err := s.pool.Query(ctx, rebind(stmt), args...)
	if err != nil {
		return fmt.Errorf("querying updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u Update
		var res, typ string
		if err := rows.Scan(&u.ID, &u.Timestamp, &res, &typ, &u.Account, &u.Depot, &u.Asset, &u.Change, &u.Data); err != nil {
			return fmt.Errorf("scanning update: %w", err)
		}
		u.Resolution = Resolution(res)
		u.Type = EventType(typ)
		u.Timestamp = u.Timestamp.UTC()
		if err := fn(u); err != nil {
			return fmt.Errorf("update consumer: %w", err)
		}
	}
	return rows.Err()
}

// EventSum aggregates events into one row per group.
func (s *PostgresStore) EventSum(ctx context.Context, q SumQuery) ([]SumRow, error) {
	return collectSums(ctx, q, s.FetchEventSum)
}

// FetchEventSum streams the grouped event totals, with the same delivery
// contract as FetchEvents.
func (s *PostgresStore) FetchEventSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error {
	stmt, args := sumSelectSQL("ledger_events", q, false)
	return s.fetchSumRows(ctx, stmt, args, q.GroupDepots, false, fn)
}

// UpdateSum aggregates bucket rows. With a resolution set the bucket
// timestamp joins the grouping key, yielding a period series.
func (s *PostgresStore) UpdateSum(ctx context.Context, q SumQuery) ([]SumRow, error) {
	return collectSums(ctx, q, s.FetchUpdateSum)
}

// FetchUpdateSum streams the grouped bucket totals.
func (s *PostgresStore) FetchUpdateSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error {
	bucketed := q.Resolution != "" && q.Resolution != Raw
	stmt, args := sumSelectSQL("ledger_updates", q, bucketed)
	return s.fetchSumRows(ctx, stmt, args, q.GroupDepots, bucketed, fn)
}

func (s *PostgresStore) fetchSumRows(ctx context.Context, stmt string, args []any, groupDepots, bucketed bool, fn func(SumRow) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, rebind(stmt), args...)
	if err != nil {
		return fmt.Errorf("querying sums: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row, err := scanSumRow(rows.Scan, groupDepots, bucketed)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return fmt.Errorf("sum consumer: %w", err)
		}
	}
	return rows.Err()
}

// SnapshotHistory copies the balance projection into the history table,
// tagged with the day quantum containing at. A quantum that already
// holds a snapshot reports skipped with nothing written. The copy runs
// serializable, so it reflects one consistent point of the projection.
func (s *PostgresStore) SnapshotHistory(ctx context.Context, at time.Time) (int, bool, error) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	bucket := Day.Truncate(at)

	conn, err := s.pool.Acquire(writeCtx)
	if err != nil {
		return 0, false, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(writeCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return 0, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(writeCtx)

	var existing int
	if err := tx.QueryRow(writeCtx, rebind(countHistorySQL), bucket).Scan(&existing); err != nil {
		return 0, false, fmt.Errorf("checking snapshot quantum: %w", err)
	}
	if existing > 0 {
		return 0, true, nil
	}

	tag, err := tx.Exec(writeCtx, rebind(snapshotHistorySQL), bucket)
	if err != nil {
		return 0, false, fmt.Errorf("copying balances: %w", err)
	}
	if err := tx.Commit(writeCtx); err != nil {
		return 0, false, fmt.Errorf("committing snapshot: %w", err)
	}
	return int(tag.RowsAffected()), false, nil
}

// History lists snapshot rows in time, then key order.
func (s *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stmt, args := historySelectSQL(q)
	rows, err := s.pool.Query(queryCtx, rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.Timestamp, &h.Account, &h.Depot, &h.Asset, &h.Value); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		h.Timestamp = h.Timestamp.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// VerifyConservation compares every balance row against the event sum
// for its key and reports any drift.
func (s *PostgresStore) VerifyConservation(ctx context.Context) ([]Drift, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, driftSQL)
	if err != nil {
		return nil, fmt.Errorf("querying drift: %w", err)
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.Account, &d.Depot, &d.Asset, &d.Balance, &d.EventSum); err != nil {
			return nil, fmt.Errorf("scanning drift row: %w", err)
		}
		d.Consistent = d.Balance.Equal(d.EventSum)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Migrations() []migrate.Migration {
	return postgresMigrations()
}

func (s *PostgresStore) MigrationBackend() migrate.Backend {
	return &pgMigrationBackend{pool: s.pool}
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgMigrationBackend struct {
	pool *pgxpool.Pool
}

func (b *pgMigrationBackend) Exec(ctx context.Context, stmt string) error {
	_, err := b.pool.Exec(ctx, stmt)
	return err
}

func (b *pgMigrationBackend) EnsureLog(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS updates (
		time TIMESTAMPTZ NOT NULL,
		name TEXT NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (time, name, version)
	)`)
	return err
}

func (b *pgMigrationBackend) AppliedVersions(ctx context.Context, name string) ([]int, error) {
	rows, err := b.pool.Query(ctx, `SELECT DISTINCT version FROM updates WHERE name = $1 ORDER BY version`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (b *pgMigrationBackend) Record(ctx context.Context, name string, version int, at time.Time) error {
	_, err := b.pool.Exec(ctx, `INSERT INTO updates (time, name, version) VALUES ($1, $2, $3)`, at, name, version)
	return err
}

func (b *pgMigrationBackend) Remove(ctx context.Context, name string, version int) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM updates WHERE name = $1 AND version = $2`, name, version)
	return err
}
