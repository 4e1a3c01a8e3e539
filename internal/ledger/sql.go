package ledger

import (
	"strconv"
	"strings"
)

// Statement text is shared between the Postgres and SQLite stores:
// everything is written with ? placeholders and the Postgres side
// rebinds to $n. The accumulate upserts rely on ON CONFLICT DO UPDATE,
// which both engines execute atomically, so concurrent writers on one
// key cannot lose an update.

const (
	insertEventSQL = `INSERT INTO ledger_events (ts, type, account, depot, asset, ord, change, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	upsertUpdateSQL = `INSERT INTO ledger_updates (ts, resolution, type, account, depot, asset, change, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ts, resolution, type, account, depot, asset, data)
		DO UPDATE SET change = ledger_updates.change + excluded.change`

	upsertBalanceSQL = `INSERT INTO ledger_balances (account, depot, asset, value, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, depot, asset)
		DO UPDATE SET value = ledger_balances.value + excluded.value, ts = excluded.ts`

	selectBalanceSQL = `SELECT account, depot, asset, value, ts FROM ledger_balances
		WHERE account = ? AND depot = ? AND asset = ?`

	selectBalancesSQL = `SELECT account, depot, asset, value, ts FROM ledger_balances
		ORDER BY account, depot, asset`

	countHistorySQL = `SELECT COUNT(1) FROM ledger_history WHERE ts = ?`

	snapshotHistorySQL = `INSERT INTO ledger_history (ts, account, depot, asset, value)
		SELECT ?, account, depot, asset, value FROM ledger_balances`

	driftSQL = `SELECT b.account, b.depot, b.asset, b.value, COALESCE(e.total, 0)
		FROM ledger_balances b
		LEFT JOIN (
			SELECT account, depot, asset, SUM(change) AS total
			FROM ledger_events
			GROUP BY account, depot, asset
		) e ON e.account = b.account AND e.depot = b.depot AND e.asset = b.asset
		ORDER BY b.account, b.depot, b.asset`
)

// rebind rewrites ? placeholders to Postgres-style $n. Statements here
// carry no string literals, so a blind scan is safe.
func rebind(stmt string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(stmt); i++ {
		if stmt[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(stmt[i])
	}
	return b.String()
}

type condBuilder struct {
	conds []string
	args  []any
}

func (c *condBuilder) add(cond string, args ...any) {
	c.conds = append(c.conds, cond)
	c.args = append(c.args, args...)
}

func (c *condBuilder) addIn(column string, values []string) {
	holes := make([]string, len(values))
	for i, v := range values {
		holes[i] = "?"
		c.args = append(c.args, v)
	}
	c.conds = append(c.conds, column+" IN ("+strings.Join(holes, ", ")+")")
}

func (c *condBuilder) where() string {
	if len(c.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.conds, " AND ")
}

func eventConds(q EventQuery) *condBuilder {
	c := &condBuilder{}
	c.add("account = ?", q.Account)
	if q.Depot != nil {
		c.add("depot = ?", *q.Depot)
	}
	if q.Asset != nil {
		c.add("asset = ?", *q.Asset)
	}
	if q.Type != nil {
		c.add("type = ?", string(*q.Type))
	}
	if q.Data != nil {
		c.add("data = ?", *q.Data)
	} else if len(q.DataIn) > 0 {
		c.addIn("data", q.DataIn)
	}
	if q.Start != nil {
		c.add("ts >= ?", q.Start.UTC())
	}
	if q.End != nil {
		c.add("ts <= ?", q.End.UTC())
	}
	if q.FirstID > 0 {
		c.add("id >= ?", q.FirstID)
	}
	if q.LastID > 0 {
		c.add("id <= ?", q.LastID)
	}
	return c
}

func eventSelectSQL(q EventQuery) (string, []any) {
	c := eventConds(q)
	stmt := "SELECT id, ts, type, account, depot, asset, ord, change, data FROM ledger_events" +
		c.where() + " ORDER BY id"
	args := c.args
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return stmt, args
}

func updateSelectSQL(q UpdateQuery) (string, []any) {
	c := eventConds(q.EventQuery)
	c.add("resolution = ?", string(q.Resolution))
	stmt := "SELECT id, ts, resolution, type, account, depot, asset, change, data FROM ledger_updates" +
		c.where() + " ORDER BY id"
	args := c.args
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return stmt, args
}

func sumConds(q SumQuery) *condBuilder {
	c := &condBuilder{}
	c.add("account = ?", q.Account)
	if q.Depot != nil {
		c.add("depot = ?", *q.Depot)
	}
	if q.Asset != nil {
		c.add("asset = ?", *q.Asset)
	}
	if q.Type != nil {
		c.add("type = ?", string(*q.Type))
	}
	if q.Data != nil {
		c.add("data = ?", *q.Data)
	} else if len(q.DataIn) > 0 {
		c.addIn("data", q.DataIn)
	}
	if q.Start != nil {
		c.add("ts >= ?", q.Start.UTC())
	}
	if q.End != nil {
		c.add("ts <= ?", q.End.UTC())
	}
	return c
}

// sumSelectSQL builds the grouped aggregate over table. bucketed adds the
// bucket timestamp to both the select list and the grouping key; it is
// only meaningful for ledger_updates, whose timestamps are already
// resolution-truncated.
func sumSelectSQL(table string, q SumQuery, bucketed bool) (string, []any) {
	c := sumConds(q)
	if table == "ledger_updates" {
		res := q.Resolution
		if res == "" {
			res = Raw
		}
		c.add("resolution = ?", string(res))
	}

	cols := "account, asset"
	if q.GroupDepots {
		cols = "account, depot, asset"
	}
	group := cols
	if bucketed {
		cols += ", ts"
		group += ", ts"
	}

	stmt := "SELECT " + cols + ", SUM(change) FROM " + table + c.where() +
		" GROUP BY " + group + " ORDER BY " + group
	return stmt, c.args
}

func historySelectSQL(q HistoryQuery) (string, []any) {
	c := &condBuilder{}
	if q.Account != nil {
		c.add("account = ?", *q.Account)
	}
	if q.Depot != nil {
		c.add("depot = ?", *q.Depot)
	}
	if q.Asset != nil {
		c.add("asset = ?", *q.Asset)
	}
	if q.Start != nil {
		c.add("ts >= ?", q.Start.UTC())
	}
	if q.End != nil {
		c.add("ts <= ?", q.End.UTC())
	}
	stmt := "SELECT id, ts, account, depot, asset, value FROM ledger_history" +
		c.where() + " ORDER BY ts, account, depot, asset"
	args := c.args
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return stmt, args
}
