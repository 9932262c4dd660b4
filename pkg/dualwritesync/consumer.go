package dualwritesync

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/archivecore/webarchive/internal/apperrors"
	"github.com/archivecore/webarchive/internal/metrics"
)

// Config tunes the consumer.
type Config struct {
	// BatchSize is the normal-load batch size; backpressure shrinks the
	// effective size down to 1 and recovery restores it.
	BatchSize int
	// WatermarkHigh/WatermarkLow bound the OLAP writer queue depth at which
	// batch shrinking engages and releases.
	WatermarkHigh int
	WatermarkLow  int
	// RetentionDays bounds how long delete tombstones are kept.
	RetentionDays int
	// ApplyRetryDelay spaces retries of a failed ApplyBatch; delivery is
	// at-least-once so a batch is retried until it lands or ctx ends.
	ApplyRetryDelay time.Duration
	// BatchLinger is how long the consumer waits for a batch to fill before
	// applying a partial one.
	BatchLinger time.Duration
	// PurgeInterval spaces tombstone purges.
	PurgeInterval time.Duration
}

// Consumer drains a ChangeStream into an Applier. It exclusively owns the
// in-flight event queue; callers interact only through
// Run and the OffsetStore.
type Consumer struct {
	cfg     Config
	stream  ChangeStream
	applier Applier
	offsets OffsetStore
	metrics *metrics.Registry
	log     logr.Logger

	effectiveBatch int
}

// NewConsumer builds a Consumer.
func NewConsumer(cfg Config, stream ChangeStream, applier Applier, offsets OffsetStore, reg *metrics.Registry, log logr.Logger) *Consumer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 256
	}
	if cfg.WatermarkHigh == 0 {
		cfg.WatermarkHigh = 10_000
	}
	if cfg.ApplyRetryDelay == 0 {
		cfg.ApplyRetryDelay = time.Second
	}
	if cfg.BatchLinger == 0 {
		cfg.BatchLinger = 200 * time.Millisecond
	}
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = time.Hour
	}
	return &Consumer{
		cfg: cfg, stream: stream, applier: applier, offsets: offsets,
		metrics: reg, log: log, effectiveBatch: cfg.BatchSize,
	}
}

// Run consumes until ctx is done. On entry it resumes from the last
// persisted seq: the stream contract guarantees events stay durable on the
// source side until the consumer advances its offset, so everything after
// that seq is replayed and idempotent application absorbs the duplicates.
func (c *Consumer) Run(ctx context.Context) error {
	resumeFrom, err := c.offsets.Load(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindTransient, "loading sync offset")
	}
	c.log.Info("sync consumer resuming", "from_seq", resumeFrom)

	lastPurge := time.Now()
	for {
		batch, err := c.collectBatch(ctx, resumeFrom)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient disconnect: resume from the persisted seq after a
			// short pause so a hard-down source doesn't spin the loop.
			c.log.V(1).Info("change stream interrupted, resuming", "error", err.Error())
			select {
			case <-time.After(c.cfg.ApplyRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		if err := c.applyWithRetry(ctx, batch); err != nil {
			return err
		}

		highest := batch[len(batch)-1].Seq
		if err := c.offsets.Store(ctx, highest); err != nil {
			// The batch already applied; a lost offset write only means
			// replay after restart, which idempotent apply absorbs.
			c.log.Error(err, "persisting sync offset", "seq", highest)
		}
		resumeFrom = highest

		c.adjustBatchSize()
		c.observe(batch)

		if p, ok := c.applier.(TombstonePurger); ok && time.Since(lastPurge) >= c.cfg.PurgeInterval {
			cutoff := time.Now().AddDate(0, 0, -c.cfg.RetentionDays)
			if purged, err := p.PurgeTombstones(ctx, cutoff); err != nil {
				c.log.Error(err, "purging tombstones")
			} else if purged > 0 {
				c.log.V(1).Info("purged tombstones", "count", purged)
			}
			lastPurge = time.Now()
		}
	}
}

// collectBatch reads up to the effective batch size, lingering briefly so
// idle periods still flush partial batches. Events at or below resumeFrom
// are duplicates from a replayed stream and are skipped here only as an
// optimization; the seq guard in the Applier is the correctness boundary.
func (c *Consumer) collectBatch(ctx context.Context, resumeFrom int64) ([]Event, error) {
	var batch []Event
	linger, cancel := context.WithTimeout(ctx, c.cfg.BatchLinger)
	defer cancel()

	for len(batch) < c.effectiveBatch {
		ev, err := c.stream.Next(linger)
		if err != nil {
			if linger.Err() != nil && ctx.Err() == nil {
				return batch, nil // linger expired, flush what we have
			}
			return batch, err
		}
		if ev.Seq <= resumeFrom {
			continue
		}
		batch = append(batch, ev)
	}
	return batch, nil
}

// applyWithRetry retries a failed batch until it lands (at-least-once).
// Events within the batch stay in stream order, which preserves per-pk
// ordering since the source stream is seq-ordered.
func (c *Consumer) applyWithRetry(ctx context.Context, batch []Event) error {
	for {
		err := c.applier.ApplyBatch(ctx, batch)
		if err == nil {
			return nil
		}
		c.log.Error(err, "applying sync batch", "size", len(batch), "first_seq", batch[0].Seq)
		select {
		case <-time.After(c.cfg.ApplyRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// adjustBatchSize implements the backpressure policy: above the high
// watermark the batch halves (never below 1, never dropping events); below
// the low watermark it recovers toward the configured size.
func (c *Consumer) adjustBatchSize() {
	depth := c.applier.QueueDepth()
	switch {
	case depth > c.cfg.WatermarkHigh && c.effectiveBatch > 1:
		c.effectiveBatch /= 2
		if c.effectiveBatch < 1 {
			c.effectiveBatch = 1
		}
		c.log.V(1).Info("sync backpressure engaged", "queue_depth", depth, "batch_size", c.effectiveBatch)
	case depth < c.cfg.WatermarkLow && c.effectiveBatch < c.cfg.BatchSize:
		c.effectiveBatch *= 2
		if c.effectiveBatch > c.cfg.BatchSize {
			c.effectiveBatch = c.cfg.BatchSize
		}
	}
}

func (c *Consumer) observe(batch []Event) {
	if c.metrics == nil {
		return
	}
	for _, ev := range batch {
		c.metrics.SyncEventsApplied.WithLabelValues(string(ev.Op)).Inc()
	}
	newest := batch[len(batch)-1].CommittedAt
	if !newest.IsZero() {
		c.metrics.SyncLagSeconds.Set(time.Since(newest).Seconds())
	}
}
