package olap

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/pkg/dualwritesync"
	"github.com/archivecore/webarchive/pkg/queryrouter"
)

type memRow struct {
	doc         map[string]any
	seq         int64
	committedAt time.Time
	deleted     bool
}

// MemoryEngine is an in-process columnar-engine stand-in implementing the
// same Engine and Applier contracts, for wiring the sync path without a
// live analytical engine and for tests. Query support is limited to full
// scans of one mirrored table.
type MemoryEngine struct {
	mu     sync.RWMutex
	tables map[string]map[string]memRow
}

// NewMemoryEngine builds an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{tables: make(map[string]map[string]memRow)}
}

var reScanTable = regexp.MustCompile(`from\s+([a-z_][a-z0-9_]*)`)

// Query supports "select ... from <table>" full scans over live (non
// tombstoned) rows.
func (m *MemoryEngine) Query(_ context.Context, sql string, _ ...any) ([]queryrouter.Row, error) {
	match := reScanTable.FindStringSubmatch(sql)
	if match == nil {
		return nil, apperrors.New(apperrors.KindClientError, "memory engine supports single-table scans only")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []queryrouter.Row
	for pk, row := range m.tables[match[1]] {
		if row.deleted {
			continue
		}
		r := queryrouter.Row{"pk": pk, "seq": row.seq}
		for k, v := range row.doc {
			r[k] = v
		}
		out = append(out, r)
	}
	return out, nil
}

// Exec is unsupported; the memory engine is written only through ApplyBatch.
func (m *MemoryEngine) Exec(context.Context, string, ...any) (int64, error) {
	return 0, apperrors.New(apperrors.KindClientError, "memory engine is read-only outside the sync applier")
}

// ApplyBatch applies events with the same seq guard as the SQL engine.
func (m *MemoryEngine) ApplyBatch(_ context.Context, events []dualwritesync.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		t := m.tables[ev.Table]
		if t == nil {
			t = make(map[string]memRow)
			m.tables[ev.Table] = t
		}
		if cur, ok := t[ev.PK]; ok && cur.seq >= ev.Seq {
			continue
		}
		row := memRow{seq: ev.Seq, committedAt: ev.CommittedAt, deleted: ev.Op == dualwritesync.OpDelete}
		if len(ev.AfterImage) > 0 && !row.deleted {
			_ = json.Unmarshal(ev.AfterImage, &row.doc)
		}
		t[ev.PK] = row
	}
	return nil
}

func (m *MemoryEngine) QueueDepth() int { return 0 }

// PurgeTombstones drops tombstoned rows older than the cutoff.
func (m *MemoryEngine) PurgeTombstones(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for _, rows := range m.tables {
		for pk, row := range rows {
			if row.deleted && row.committedAt.Before(olderThan) {
				delete(rows, pk)
				purged++
			}
		}
	}
	return purged, nil
}

// Row returns the current state of one mirrored row, for tests and health
// probes.
func (m *MemoryEngine) Row(table, pk string) (seq int64, deleted, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.tables[table][pk]
	return row.seq, row.deleted, ok
}
