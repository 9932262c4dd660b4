package queryclassifier

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// tableStats is one table's rolling execution statistics. Updated only by
// successful executions.
type tableStats struct {
	avgRows       float64
	avgDurationMs float64
	samples       int64
}

// StatsCache holds rolling per-table statistics behind a bounded LRU so a
// long-lived process querying many ephemeral tables cannot grow it without
// bound.
type StatsCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, tableStats]
}

// NewStatsCache builds a StatsCache bounded to size tables.
func NewStatsCache(size int) (*StatsCache, error) {
	l, err := lru.New[string, tableStats](size)
	if err != nil {
		return nil, err
	}
	return &StatsCache{lru: l}, nil
}

// Record folds one successful execution's measurements into the rolling
// average for every table the query touched.
func (s *StatsCache) Record(tables []string, rows int64, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := float64(duration.Milliseconds())
	for _, t := range tables {
		st, _ := s.lru.Get(t)
		if st.samples == 0 {
			st.avgRows = float64(rows)
			st.avgDurationMs = ms
		} else {
			st.avgRows = st.avgRows*0.8 + float64(rows)*0.2
			st.avgDurationMs = st.avgDurationMs*0.8 + ms*0.2
		}
		st.samples++
		s.lru.Add(t, st)
	}
}

// Estimate returns the summed row and duration estimates across the given
// tables. Tables with no recorded history contribute a conservative default
// so unknown tables neither trigger nor suppress OLAP routing on their own.
func (s *StatsCache) Estimate(tables []string) (rows int64, durationMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tables {
		st, ok := s.lru.Get(t)
		if !ok || st.samples == 0 {
			rows += 1000
			durationMs += 10
			continue
		}
		rows += int64(st.avgRows)
		durationMs += int64(st.avgDurationMs)
	}
	return rows, durationMs
}
