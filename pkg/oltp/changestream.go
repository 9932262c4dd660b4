package oltp

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/dualwritesync"
)

// PollStream exposes the sync_events table as an ordered, at-least-once
// change stream: rows stay durable until the consumer's offset
// advances, so replay after a disconnect is always possible. Events are
// read in seq order with a bounded poll interval when the table is drained.
type PollStream struct {
	store    *Store
	interval time.Duration

	cursor int64
	buf    []dualwritesync.Event
}

// NewPollStream builds a stream starting after cursor (typically the value
// the OffsetStore returns at startup).
func (s *Store) NewPollStream(cursor int64, interval time.Duration) *PollStream {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &PollStream{store: s, interval: interval, cursor: cursor}
}

const pollSQL = `
SELECT id, seq, table_name, pk, op, after_image, committed_at
FROM sync_events
WHERE seq > $1
ORDER BY seq
LIMIT 500`

// Next satisfies dualwritesync.ChangeStream.
func (p *PollStream) Next(ctx context.Context) (dualwritesync.Event, error) {
	for len(p.buf) == 0 {
		if err := p.fill(ctx); err != nil {
			return dualwritesync.Event{}, err
		}
		if len(p.buf) > 0 {
			break
		}
		t := time.NewTimer(p.interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return dualwritesync.Event{}, ctx.Err()
		}
	}
	ev := p.buf[0]
	p.buf = p.buf[1:]
	p.cursor = ev.Seq
	return ev, nil
}

func (p *PollStream) fill(ctx context.Context) error {
	rows, err := p.store.db.QueryContext(ctx, pollSQL, p.cursor)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindTransient, "polling change stream")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev    dualwritesync.Event
			id    string
			op    string
			after sql.NullString
		)
		if err := rows.Scan(&id, &ev.Seq, &ev.Table, &ev.PK, &op, &after, &ev.CommittedAt); err != nil {
			return apperrors.Wrap(err, apperrors.KindTransient, "scanning change event")
		}
		ev.ID, _ = uuid.Parse(id)
		ev.Op = dualwritesync.Op(op)
		if after.Valid {
			ev.AfterImage = json.RawMessage(after.String)
		}
		p.buf = append(p.buf, ev)
	}
	return rows.Err()
}

// OffsetStore persists the consumer offset in sync_offsets, satisfying
// dualwritesync.OffsetStore.
type OffsetStore struct {
	store *Store
	name  string
}

// Offsets returns the named consumer's offset store; distinct names allow
// independent consumers over the same stream.
func (s *Store) Offsets(name string) *OffsetStore {
	return &OffsetStore{store: s, name: name}
}

func (o *OffsetStore) Load(ctx context.Context) (int64, error) {
	var seq int64
	err := o.store.db.QueryRowContext(ctx,
		"SELECT last_seq FROM sync_offsets WHERE consumer = $1", o.name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindTransient, "loading consumer offset")
	}
	return seq, nil
}

func (o *OffsetStore) Store(ctx context.Context, seq int64) error {
	_, err := o.store.db.ExecContext(ctx, `
INSERT INTO sync_offsets (consumer, last_seq, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (consumer) DO UPDATE SET last_seq = excluded.last_seq, updated_at = now()`,
		o.name, seq)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindTransient, "storing consumer offset")
	}
	return nil
}

// EmitChange records one row-level change into sync_events inside the
// caller's transaction, assigning the next seq from the stream's sequence.
// The operations layer calls this alongside every tracked mutation so the
// stream observes exactly the committed row images.
func (s *Store) EmitChange(ctx context.Context, tx *sqlx.Tx, table, pk string, op dualwritesync.Op, afterImage any) error {
	var after any
	if afterImage != nil {
		raw, err := json.Marshal(afterImage)
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindClientError, "encoding after image")
		}
		after = string(raw)
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO sync_events (id, seq, table_name, pk, op, after_image, committed_at)
VALUES ($1, nextval('sync_events_seq'), $2, $3, $4, $5, now())`,
		uuid.NewString(), table, pk, string(op), after)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindTransient, "emitting change event")
	}
	return nil
}

// PruneAcknowledged removes change events at or below every consumer's
// acknowledged offset; events stay durable until then.
func (s *Store) PruneAcknowledged(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sync_events
WHERE seq <= (SELECT COALESCE(MIN(last_seq), 0) FROM sync_offsets)`)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindTransient, "pruning acknowledged events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
