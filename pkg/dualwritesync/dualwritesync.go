// Package dualwritesync implements the OLTP-to-OLAP change-stream consumer:
// at-least-once delivery with idempotent seq-guarded application, per-pk
// ordering, watermark-driven backpressure that shrinks batch size without
// dropping events, tombstoned deletes, and restart recovery from the last
// persisted seq. There is no two-phase commit anywhere: one unidirectional
// stream, idempotent apply.
package dualwritesync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Op is a change event's operation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one row-level change from the OLTP change stream. Seq is
// monotonically increasing and defines replay order.
type Event struct {
	ID          uuid.UUID
	Seq         int64
	Table       string
	PK          string
	Op          Op
	AfterImage  json.RawMessage
	CommittedAt time.Time
}

// ChangeStream is the ordered, at-least-once change feed the OLTP store
// exposes. Next blocks until an event is available or ctx is
// done; a stream ending without a terminal marker is a transient disconnect
// and the consumer resumes from its last persisted seq.
type ChangeStream interface {
	Next(ctx context.Context) (Event, error)
}

// Applier applies a batch of events to the OLAP store. Application must be
// idempotent: rows carry the originating seq and an apply is a no-op unless
// event.Seq exceeds the stored row's seq.
type Applier interface {
	ApplyBatch(ctx context.Context, events []Event) error
	// QueueDepth reports the OLAP writer's pending work for backpressure
	// decisions; implementations without an internal queue return 0.
	QueueDepth() int
}

// TombstonePurger is optionally implemented by Appliers that retain delete
// tombstones; the consumer calls it on the retention schedule.
type TombstonePurger interface {
	PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error)
}

// OffsetStore persists the consumer's last-acknowledged seq so a restart
// resumes without loss.
type OffsetStore interface {
	Load(ctx context.Context) (int64, error)
	Store(ctx context.Context, seq int64) error
}
