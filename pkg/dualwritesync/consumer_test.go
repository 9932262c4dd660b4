package dualwritesync

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archivecore/webarchive/internal/logging"
)

// chanStream feeds events from a channel, blocking like a live change feed.
type chanStream struct {
	ch chan Event
}

func (s *chanStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// memApplier is a seq-guarded in-memory OLAP stand-in.
type memApplier struct {
	mu        sync.Mutex
	rows      map[string]map[string]Event // table -> pk -> last applied event
	applied   []int64                     // every seq handed to ApplyBatch, duplicates included
	failTimes int
	depth     int
}

func newMemApplier() *memApplier {
	return &memApplier{rows: make(map[string]map[string]Event)}
}

func (a *memApplier) ApplyBatch(_ context.Context, events []Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failTimes > 0 {
		a.failTimes--
		return errors.New("olap writer unavailable")
	}
	for _, ev := range events {
		a.applied = append(a.applied, ev.Seq)
		if a.rows[ev.Table] == nil {
			a.rows[ev.Table] = make(map[string]Event)
		}
		// Seq guard: apply only when newer than what the row carries.
		if cur, ok := a.rows[ev.Table][ev.PK]; ok && cur.Seq >= ev.Seq {
			continue
		}
		a.rows[ev.Table][ev.PK] = ev
	}
	return nil
}

func (a *memApplier) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.depth
}

func (a *memApplier) row(table, pk string) (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev, ok := a.rows[table][pk]
	return ev, ok
}

func (a *memApplier) appliedSeqs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.applied...)
}

type memOffsets struct {
	mu  sync.Mutex
	seq int64
}

func (o *memOffsets) Load(context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq, nil
}

func (o *memOffsets) Store(_ context.Context, seq int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq = seq
	return nil
}

func (o *memOffsets) current() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq
}

func ev(seq int64, pk string) Event {
	return Event{Seq: seq, Table: "projects", PK: pk, Op: OpUpdate, CommittedAt: time.Now()}
}

var _ = Describe("Consumer", func() {
	var (
		stream  *chanStream
		applier *memApplier
		offsets *memOffsets
		cancel  context.CancelFunc
		done    chan struct{}
	)

	start := func(cfg Config) {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		c := NewConsumer(cfg, stream, applier, offsets, nil, logging.Noop())
		go func() {
			defer GinkgoRecover()
			defer close(done)
			_ = c.Run(ctx)
		}()
	}

	BeforeEach(func() {
		stream = &chanStream{ch: make(chan Event, 64)}
		applier = newMemApplier()
		offsets = &memOffsets{}
	})

	AfterEach(func() {
		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("applies events in seq order and advances the persisted offset", func() {
		start(Config{BatchSize: 4, BatchLinger: 20 * time.Millisecond})
		stream.ch <- ev(1, "a")
		stream.ch <- ev(2, "a")
		stream.ch <- ev(3, "b")

		Eventually(offsets.current, time.Second).Should(Equal(int64(3)))
		row, ok := applier.row("projects", "a")
		Expect(ok).To(BeTrue())
		Expect(row.Seq).To(Equal(int64(2)))
	})

	It("absorbs duplicate delivery through the seq guard", func() {
		start(Config{BatchSize: 4, BatchLinger: 20 * time.Millisecond})
		stream.ch <- ev(5, "a")
		Eventually(offsets.current, time.Second).Should(Equal(int64(5)))

		// Re-deliver the same event, as a replayed stream would after a
		// disconnect. The offset skip filters it; even if it reached the
		// applier, the seq guard keeps the row unchanged.
		stream.ch <- ev(5, "a")
		stream.ch <- ev(6, "b")
		Eventually(offsets.current, time.Second).Should(Equal(int64(6)))

		row, _ := applier.row("projects", "a")
		Expect(row.Seq).To(Equal(int64(5)))
		Expect(applier.appliedSeqs()).To(Equal([]int64{5, 6}))
	})

	It("retries a failed batch until it lands, never dropping events", func() {
		applier.failTimes = 2
		start(Config{BatchSize: 4, BatchLinger: 20 * time.Millisecond, ApplyRetryDelay: 10 * time.Millisecond})
		stream.ch <- ev(1, "a")

		Eventually(offsets.current, 2*time.Second).Should(Equal(int64(1)))
		row, ok := applier.row("projects", "a")
		Expect(ok).To(BeTrue())
		Expect(row.Seq).To(Equal(int64(1)))
	})

	It("resumes past already-acknowledged events after a restart", func() {
		offsets.seq = 10
		start(Config{BatchSize: 4, BatchLinger: 20 * time.Millisecond})

		stream.ch <- ev(9, "stale")  // replayed, below the persisted offset
		stream.ch <- ev(11, "fresh")

		Eventually(offsets.current, time.Second).Should(Equal(int64(11)))
		_, staleApplied := applier.row("projects", "stale")
		Expect(staleApplied).To(BeFalse())
	})

	It("shrinks the batch size under backpressure instead of dropping events", func() {
		applier.depth = 50_000 // above the high watermark
		start(Config{BatchSize: 8, WatermarkHigh: 100, WatermarkLow: 10, BatchLinger: 20 * time.Millisecond})

		for i := int64(1); i <= 20; i++ {
			stream.ch <- ev(i, "a")
		}
		Eventually(offsets.current, 2*time.Second).Should(Equal(int64(20)))
		// Every event still applied, batches just got smaller.
		row, _ := applier.row("projects", "a")
		Expect(row.Seq).To(Equal(int64(20)))
	})
})
