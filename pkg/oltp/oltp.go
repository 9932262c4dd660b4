// Package oltp implements the transactional-store side of the core: a sqlx-
// over-pgx Engine for pkg/queryrouter, the ordered at-least-once change stream
// pkg/dualwritesync consumes, the durable consumer offset, and the goose
// migration set for the sync bookkeeping tables.
package oltp

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/queryrouter"
)

// PoolSettings maps the router.pools.oltp configuration onto database/sql's
// connection pool knobs.
type PoolSettings struct {
	MaxConn     int
	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

// Store is one OLTP replica.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres through the pgx stdlib driver and applies the
// pool settings.
func Open(dsn string, pool PoolSettings) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("oltp: open: %w", err)
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
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection, for tests driving sqlmock.
func NewFromDB(db *sqlx.DB) *Store { return &Store{db: db} }

// DB exposes the underlying connection for migrations.
func (s *Store) DB() *sqlx.DB { return s.db }

// Query satisfies queryrouter.Engine.
func (s *Store) Query(ctx context.Context, sql string, args ...any) ([]queryrouter.Row, error) {
	rows, err := s.db.QueryxContext(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransient, "oltp query")
	}
	defer rows.Close()

	var out []queryrouter.Row
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindTransient, "oltp scan")
		}
		out = append(out, queryrouter.Row(row))
	}
	return out, rows.Err()
}

// Exec satisfies queryrouter.Engine.
func (s *Store) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindTransient, "oltp exec")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) Close() error { return s.db.Close() }
