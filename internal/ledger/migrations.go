package ledger

import "github.com/example/ledger-infra/internal/migrate"

// The ledger registers one migration per relation, versioned in
// dependency order. Forward creates, Reset empties, Revert drops.

func postgresMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Name:    "ledger_events",
			Version: 1,
			Forward: []string{
				`CREATE TABLE IF NOT EXISTS ledger_events (
					id BIGSERIAL PRIMARY KEY,
					ts TIMESTAMPTZ NOT NULL,
					type TEXT NOT NULL CHECK (type IN ('increase', 'decrease')),
					account BIGINT NOT NULL,
					depot BIGINT NOT NULL,
					asset BIGINT NOT NULL,
					ord BIGINT NOT NULL,
					change NUMERIC(36, 18) NOT NULL,
					data TEXT NOT NULL DEFAULT '',
					CONSTRAINT ledger_events_replay_key UNIQUE (type, account, depot, asset, ord)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_events_account_ts ON ledger_events (account, ts)`,
			},
			Reset:  []string{`DELETE FROM ledger_events`},
			Revert: []string{`DROP TABLE IF EXISTS ledger_events`},
		},
		{
			Name:    "ledger_updates",
			Version: 2,
			Forward: []string{
				`CREATE TABLE IF NOT EXISTS ledger_updates (
					id BIGSERIAL PRIMARY KEY,
					ts TIMESTAMPTZ NOT NULL,
					resolution TEXT NOT NULL CHECK (resolution IN ('raw', 'day', 'week', 'month', 'year')),
					type TEXT NOT NULL CHECK (type IN ('increase', 'decrease')),
					account BIGINT NOT NULL,
					depot BIGINT NOT NULL,
					asset BIGINT NOT NULL,
					change NUMERIC(36, 18) NOT NULL,
					data TEXT NOT NULL DEFAULT '',
					CONSTRAINT ledger_updates_bucket_key UNIQUE (ts, resolution, type, account, depot, asset, data)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_updates_account_res_ts ON ledger_updates (account, resolution, ts)`,
			},
			Reset:  []string{`DELETE FROM ledger_updates`},
			Revert: []string{`DROP TABLE IF EXISTS ledger_updates`},
		},
		{
			Name:    "ledger_balances",
			Version: 3,
			Forward: []string{
				`CREATE TABLE IF NOT EXISTS ledger_balances (
					account BIGINT NOT NULL,
					depot BIGINT NOT NULL,
					asset BIGINT NOT NULL,
					value NUMERIC(36, 18) NOT NULL,
					ts TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (account, depot, asset)
				)`,
			},
			Reset:  []string{`DELETE FROM ledger_balances`},
			Revert: []string{`DROP TABLE IF EXISTS ledger_balances`},
		},
		{
			Name:    "ledger_history",
			Version: 4,
			Forward: []string{
				`CREATE TABLE IF NOT EXISTS ledger_history (
					id BIGSERIAL PRIMARY KEY,
					ts TIMESTAMPTZ NOT NULL,
					account BIGINT NOT NULL,
					depot BIGINT NOT NULL,
					asset BIGINT NOT NULL,
					value NUMERIC(36, 18) NOT NULL,
					CONSTRAINT ledger_history_quantum_key UNIQUE (ts, account, depot, asset)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_history_ts ON ledger_history (ts)`,
			},
			Reset:  []string{`DELETE FROM ledger_history`},
			Revert: []string{`DROP TABLE IF EXISTS ledger_history`},
		},
	}
}

func sqliteMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Name:    "ledger_events",
			Version: 1,
			Forward: []string{
				`CREATE TABLE IF NOT EXISTS ledger_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					ts TIMESTAMP NOT NULL,
					type TEXT NOT NULL CHECK (type IN ('increase', 'decrease')),
					account INTEGER NOT NULL,
					depot INTEGER NOT NULL,
					asset INTEGER NOT NULL,
					ord INTEGER NOT NULL,
					change NUMERIC NOT NULL,
					data TEXT NOT NULL DEFAULT '',
					UNIQUE (type, account, depot, asset, ord)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_events_account_ts ON ledger_events (account, ts)`,
			},
			Reset:  []string{`DELETE FROM ledger_events`},
			Revert: []string{`DROP TABLE IF EXISTS ledger_events`},
		},
		{
			Name:    "ledger_updates",
			Version: 2,
			Forward: []string{
				`CREATE TABLE IF NOT EXISTS ledger_updates (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					ts TIMESTAMP NOT NULL,
					resolution TEXT NOT NULL CHECK (resolution IN ('raw', 'day', 'week', 'month', 'year')),
					type TEXT NOT NULL CHECK (type IN ('increase', 'decrease')),
					account INTEGER NOT NULL,
					depot INTEGER NOT NULL,
					asset INTEGER NOT NULL,
					change NUMERIC NOT NULL,
					data TEXT NOT NULL DEFAULT '',
					UNIQUE (ts, resolution, type, account, depot, asset, data)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_updates_account_res_ts ON ledger_updates (account, resolution, ts)`,
			},
			Reset:  []string{`DELETE FROM ledger_updates`},
			Revert: []string{`DROP TABLE IF EXISTS ledger_updates`},
		},
		{
			Name:    "ledger_balances",
			Version: 3,
			Forward: []string{
				`CREATE TABLE IF NOT EXISTS ledger_balances (
					account INTEGER NOT NULL,
					depot INTEGER NOT NULL,
					asset INTEGER NOT NULL,
					value NUMERIC NOT NULL,
					ts TIMESTAMP NOT NULL,
					PRIMARY KEY (account, depot, asset)
				)`,
			},
			Reset:  []string{`DELETE FROM ledger_balances`},
			Revert: []string{`DROP TABLE IF EXISTS ledger_balances`},
		},
		{
			Name:    "ledger_history",
			Version: 4,
			Forward: []string{
				`CREATE TABLE IF NOT EXISTS ledger_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					ts TIMESTAMP NOT NULL,
					account INTEGER NOT NULL,
					depot INTEGER NOT NULL,
					asset INTEGER NOT NULL,
					value NUMERIC NOT NULL,
					UNIQUE (ts, account, depot, asset)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_ledger_history_ts ON ledger_history (ts)`,
			},
			Reset:  []string{`DELETE FROM ledger_history`},
			Revert: []string{`DROP TABLE IF EXISTS ledger_history`},
		},
	}
}
