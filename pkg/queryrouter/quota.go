package queryrouter

import (
	"context"

	"github.com/archivecore/webarchive/internal/apperrors"
)

// Priority orders queries through admission.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// QuotaConfig carries the per-priority concurrency caps.
type QuotaConfig struct {
	Critical int
	High     int
	Normal   int
}

// Admission enforces per-priority concurrency caps with buffered-channel
// semaphores. CRITICAL never waits in the queue: its slot acquire is
// non-blocking and saturation surfaces immediately as CAPACITY_EXCEEDED.
// LOW has no cap and no queue: it is admitted at once unless ctx is already
// done.
type Admission struct {
	critical chan struct{}
	high     chan struct{}
	normal   chan struct{}
}

// NewAdmission builds an Admission with the given caps; zero caps fall back
// to the stock per-priority defaults.
func NewAdmission(cfg QuotaConfig) *Admission {
	if cfg.Critical == 0 {
		cfg.Critical = 10
	}
	if cfg.High == 0 {
		cfg.High = 30
	}
	if cfg.Normal == 0 {
		cfg.Normal = 80
	}
	return &Admission{
		critical: make(chan struct{}, cfg.Critical),
		high:     make(chan struct{}, cfg.High),
		normal:   make(chan struct{}, cfg.Normal),
	}
}

// ErrCapacityExceeded is returned when CRITICAL admission is saturated.
var ErrCapacityExceeded = apperrors.New(apperrors.KindCapacityExceeded, "admission quota saturated")

// Acquire admits one query at the given priority. HIGH and NORMAL block
// until a slot frees or ctx is done; CRITICAL and LOW never wait. Cancellation while queued
// never consumes a slot; the returned release
// must be called exactly once on admitted queries.
func (a *Admission) Acquire(ctx context.Context, p Priority) (release func(), err error) {
	var sem chan struct{}
	switch p {
	case PriorityCritical:
		select {
		case a.critical <- struct{}{}:
			return func() { <-a.critical }, nil
		default:
			return nil, ErrCapacityExceeded
		}
	case PriorityHigh:
		sem = a.high
	case PriorityNormal:
		sem = a.normal
	default: // LOW: uncapped, never waits
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDeadlineExceeded, "cancelled before admission")
		}
		return func() {}, nil
	}

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.KindDeadlineExceeded, "cancelled while queued for admission")
	}
}

// InUse reports current slot usage per priority, for health reporting.
func (a *Admission) InUse() map[Priority]int {
	return map[Priority]int{
		PriorityCritical: len(a.critical),
		PriorityHigh:     len(a.high),
		PriorityNormal:   len(a.normal),
	}
}
