package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/example/ledger-infra/internal/migrate"
)

// SQLiteStore runs the ledger on an embedded SQLite database. SQLite
// allows one writer at a time, so composite writes additionally
// serialize behind a process-local mutex; every transaction is
// serializable by construction.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path. Times are
// stored and compared in UTC.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_loc=UTC"
	} else {
		dsn += "?_loc=UTC"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// Apply has the same contract as PostgresStore.Apply: event insert,
// bucket accumulation, balance upsert and readback in one transaction,
// with ErrDuplicate on a replayed order token.
func (s *SQLiteStore) Apply(ctx context.Context, ev Event) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Balance{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, insertEventSQL,
		ev.Timestamp.UTC(), string(ev.Type), ev.Account, ev.Depot, ev.Asset, ev.Order, ev.Change, ev.Data)
	if err != nil {
		if isUniqueViolation(err) {
			return Balance{}, fmt.Errorf("event %s account=%d depot=%d asset=%d order=%d: %w",
				ev.Type, ev.Account, ev.Depot, ev.Asset, ev.Order, ErrDuplicate)
		}
		return Balance{}, fmt.Errorf("inserting event: %w", err)
	}

	for _, res := range Resolutions() {
		_, err = tx.ExecContext(ctx, upsertUpdateSQL,
			res.Truncate(ev.Timestamp), string(res), string(ev.Type),
			ev.Account, ev.Depot, ev.Asset, ev.Change, ev.Data)
		if err != nil {
			return Balance{}, fmt.Errorf("accumulating %s bucket: %w", res, err)
		}
	}

	_, err = tx.ExecContext(ctx, upsertBalanceSQL,
		ev.Account, ev.Depot, ev.Asset, ev.Change, ev.Timestamp.UTC())
	if err != nil {
		return Balance{}, fmt.Errorf("upserting balance: %w", err)
	}

	var bal Balance
	err = tx.QueryRowContext(ctx, selectBalanceSQL, ev.Account, ev.Depot, ev.Asset).
		Scan(&bal.Account, &bal.Depot, &bal.Asset, &bal.Value, &bal.Timestamp)
	if err != nil {
		return Balance{}, fmt.Errorf("reading back balance: %w", err)
	}
	bal.Timestamp = bal.Timestamp.UTC()

	if err := tx.Commit(); err != nil {
		return Balance{}, fmt.Errorf("committing: %w", err)
	}
	return bal, nil
}

func (s *SQLiteStore) Balance(ctx context.Context, account, depot, asset int64) (Balance, bool, error) {
	var bal Balance
	err := s.db.QueryRowContext(ctx, selectBalanceSQL, account, depot, asset).
		Scan(&bal.Account, &bal.Depot, &bal.Asset, &bal.Value, &bal.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, false, nil
		}
		return Balance{}, false, fmt.Errorf("reading balance: %w", err)
	}
	bal.Timestamp = bal.Timestamp.UTC()
	return bal, true, nil
}

func (s *SQLiteStore) Balances(ctx context.Context) ([]Balance, error) {
	rows, err := s.db.QueryContext(ctx, selectBalancesSQL)
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

func (s *SQLiteStore) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	var out []Event
	err := s.FetchEvents(ctx, q, func(ev Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

// FetchEvents streams matching events in id order, pausing the cursor
// for each consumer call and aborting on the first consumer error.
func (s *SQLiteStore) FetchEvents(ctx context.Context, q EventQuery, fn func(Event) error) error {
	stmt, args := eventSelectSQL(q)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
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

func (s *SQLiteStore) Updates(ctx context.Context, q UpdateQuery) ([]Update, error) {
	var out []Update
	err := s.FetchUpdates(ctx, q, func(u Update) error {
		out = append(out, u)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) FetchUpdates(ctx context.Context, q UpdateQuery, fn func(Update) error) error {
	stmt, args := updateSelectSQL(q)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
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

func (s *SQLiteStore) EventSum(ctx context.Context, q SumQuery) ([]SumRow, error) {
	return collectSums(ctx, q, s.FetchEventSum)
}

func (s *SQLiteStore) FetchEventSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error {
	stmt, args := sumSelectSQL("ledger_events", q, false)
	return s.fetchSumRows(ctx, stmt, args, q.GroupDepots, false, fn)
}

func (s *SQLiteStore) UpdateSum(ctx context.Context, q SumQuery) ([]SumRow, error) {
	return collectSums(ctx, q, s.FetchUpdateSum)
}

func (s *SQLiteStore) FetchUpdateSum(ctx context.Context, q SumQuery, fn func(SumRow) error) error {
	bucketed := q.Resolution != "" && q.Resolution != Raw
	stmt, args := sumSelectSQL("ledger_updates", q, bucketed)
	return s.fetchSumRows(ctx, stmt, args, q.GroupDepots, bucketed, fn)
}

func (s *SQLiteStore) fetchSumRows(ctx context.Context, stmt string, args []any, groupDepots, bucketed bool, fn func(SumRow) error) error {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
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

func (s *SQLiteStore) SnapshotHistory(ctx context.Context, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := Day.Truncate(at)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, countHistorySQL, bucket).Scan(&existing); err != nil {
		return 0, false, fmt.Errorf("checking snapshot quantum: %w", err)
	}
	if existing > 0 {
		return 0, true, nil
	}

	res, err := tx.ExecContext(ctx, snapshotHistorySQL, bucket)
	if err != nil {
		return 0, false, fmt.Errorf("copying balances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("counting snapshot rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing snapshot: %w", err)
	}
	return int(n), false, nil
}

func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	stmt, args := historySelectSQL(q)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
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

func (s *SQLiteStore) VerifyConservation(ctx context.Context) ([]Drift, error) {
	rows, err := s.db.QueryContext(ctx, driftSQL)
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

func (s *SQLiteStore) Migrations() []migrate.Migration {
	return sqliteMigrations()
}

func (s *SQLiteStore) MigrationBackend() migrate.Backend {
	return &sqliteMigrationBackend{db: s.db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteMigrationBackend struct {
	db *sql.DB
}

func (b *sqliteMigrationBackend) Exec(ctx context.Context, stmt string) error {
	_, err := b.db.ExecContext(ctx, stmt)
	return err
}

func (b *sqliteMigrationBackend) EnsureLog(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS updates (
		time TIMESTAMP NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (time, name, version)
	)`)
	return err
}

func (b *sqliteMigrationBackend) AppliedVersions(ctx context.Context, name string) ([]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT version FROM updates WHERE name = ? ORDER BY version`, name)
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

func (b *sqliteMigrationBackend) Record(ctx context.Context, name string, version int, at time.Time) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO updates (time, name, version) VALUES (?, ?, ?)`, at, name, version)
	return err
}

func (b *sqliteMigrationBackend) Remove(ctx context.Context, name string, version int) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM updates WHERE name = ? AND version = ?`, name, version)
	return err
}
