// Package olap implements the analytical-engine side of the core: a
// sqlx-backed Engine satisfying pkg/queryrouter's Engine contract, plus the
// seq-guarded change applier pkg/dualwritesync drives. Rows
// mirrored from OLTP carry the originating seq so applying the same event
// twice is a no-op; deletes become tombstones retained until the retention
// window expires.
package olap

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/dualwritesync"
	"github.com/archivecore/webarchive/pkg/queryrouter"
)

// PoolSettings maps the router.pools.olap configuration onto database/sql's
// connection pool knobs.
type PoolSettings struct {
	MaxConn     int
	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

// Engine is one OLAP replica.
type Engine struct {
	db *sqlx.DB
	// mirrored lists the tables the sync applier maintains, for tombstone
	// purging.
	mirrored []string
}

// SetMirroredTables declares which tables PurgeTombstones sweeps.
func (e *Engine) SetMirroredTables(tables []string) { e.mirrored = tables }

// Open connects to the analytical engine over its Postgres-compatible wire
// protocol and applies the pool settings.
func Open(dsn string, pool PoolSettings) (*Engine, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("olap: open: %w", err)
	}
	if pool.MaxConn > 0 {
		db.SetMaxOpenConns(pool.MaxConn)
		db.SetMaxIdleConns(pool.MaxConn)
	}
	if pool.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(pool.IdleTimeout)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}
	return &Engine{db: db}, nil
}

// NewFromDB wraps an existing connection, for tests driving sqlmock.
func NewFromDB(db *sqlx.DB) *Engine { return &Engine{db: db} }

// Query satisfies queryrouter.Engine.
func (e *Engine) Query(ctx context.Context, sql string, args ...any) ([]queryrouter.Row, error) {
	rows, err := e.db.QueryxContext(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransient, "olap query")
	}
	defer rows.Close()

	var out []queryrouter.Row
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindTransient, "olap scan")
		}
		out = append(out, queryrouter.Row(row))
	}
	return out, rows.Err()
}

// Exec satisfies queryrouter.Engine. The analytical engine accepts direct
// writes only from the sync applier, but the contract requires the method.
func (e *Engine) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	res, err := e.db.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindTransient, "olap exec")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (e *Engine) Close() error { return e.db.Close() }

// validTable gates table names interpolated into apply statements; change
// events carry table names from the trusted OLTP change feed, but the gate
// holds regardless.
var validTable = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// upsertSQL is the idempotent application statement: the seq
// guard makes replays no-ops, committed_at carries the last-writer-wins
// resolution input.
const upsertSQL = `
INSERT INTO %s (pk, doc, seq, committed_at, deleted)
VALUES ($1, $2, $3, $4, false)
ON CONFLICT (pk) DO UPDATE
SET doc = excluded.doc, seq = excluded.seq, committed_at = excluded.committed_at, deleted = false
WHERE %s.seq < excluded.seq`

// tombstoneSQL marks a delete without removing the row, so late replays of
// older events for the same pk still see the guard.
const tombstoneSQL = `
INSERT INTO %s (pk, doc, seq, committed_at, deleted)
VALUES ($1, 'null', $2, $3, true)
ON CONFLICT (pk) DO UPDATE
SET seq = excluded.seq, committed_at = excluded.committed_at, deleted = true
WHERE %s.seq < excluded.seq`

// ApplyBatch satisfies dualwritesync.Applier. Events apply in slice order,
// preserving the stream's per-pk ordering; the whole batch lands in one
// transaction so a retry replays it wholesale and the seq guards absorb the
// overlap.
func (e *Engine) ApplyBatch(ctx context.Context, events []dualwritesync.Event) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindTransient, "olap apply begin")
	}
	defer tx.Rollback()

	for _, ev := range events {
		if !validTable.MatchString(ev.Table) {
			return apperrors.Newf(apperrors.KindClientError, "invalid table in change event: %q", ev.Table)
		}
		var stmt string
		switch ev.Op {
		case dualwritesync.OpDelete:
			stmt = fmt.Sprintf(tombstoneSQL, ev.Table, ev.Table)
			_, err = tx.ExecContext(ctx, stmt, ev.PK, ev.Seq, ev.CommittedAt)
		default:
			stmt = fmt.Sprintf(upsertSQL, ev.Table, ev.Table)
			_, err = tx.ExecContext(ctx, stmt, ev.PK, []byte(ev.AfterImage), ev.Seq, ev.CommittedAt)
		}
		if err != nil {
			return apperrors.Wrapf(err, apperrors.KindTransient, "applying seq %d to %s", ev.Seq, ev.Table)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.KindTransient, "olap apply commit")
	}
	return nil
}

// QueueDepth satisfies dualwritesync.Applier; the sqlx engine applies
// synchronously and keeps no internal queue.
func (e *Engine) QueueDepth() int { return 0 }

// PurgeTombstones satisfies dualwritesync.TombstonePurger, sweeping every
// mirrored table.
func (e *Engine) PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	for _, t := range e.mirrored {
		if !validTable.MatchString(t) {
			continue
		}
		res, err := e.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE deleted = true AND committed_at < $1", t), olderThan)
		if err != nil {
			return total, apperrors.Wrapf(err, apperrors.KindTransient, "purging tombstones from %s", t)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
