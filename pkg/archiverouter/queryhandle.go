package archiverouter

import (
	"context"
	"time"

	"github.com/archivecore/webarchive/pkg/capture"
)

// QueryHandle is the operations-layer streaming view of one unified query:
// captures arrive on Stream and the handle terminates with either a clean
// close or a failure carrying per-strategy outcomes.
type QueryHandle struct {
	ch     chan *capture.Capture
	cancel context.CancelFunc

	done  chan struct{}
	stats Stats
	err   error
}

// StartQuery launches QueryUnified with the given deadline and returns a
// handle streaming its captures. The query runs in the background; Cancel
// or the deadline stops it.
func (r *Router) StartQuery(ctx context.Context, domain string, from, to time.Time, preference Preference, deadline time.Duration) *QueryHandle {
	qctx, cancel := context.WithTimeout(ctx, deadline)
	h := &QueryHandle{
		ch:     make(chan *capture.Capture),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		defer close(h.ch)
		defer cancel()

		captures, stats, err := r.QueryUnified(qctx, domain, from, to, preference)
		h.stats = stats
		h.err = err
		if err != nil {
			return
		}
		for _, c := range captures {
			select {
			case h.ch <- c:
			case <-qctx.Done():
				h.err = qctx.Err()
				return
			}
		}
	}()
	return h
}

// Stream returns the capture channel; it closes when the query completes or
// fails. After it closes, Err and Outcome report the terminal state.
func (h *QueryHandle) Stream() <-chan *capture.Capture { return h.ch }

// Err reports the terminal error, if any, once Stream has closed.
func (h *QueryHandle) Err() error {
	<-h.done
	return h.err
}

// Outcome reports the per-strategy outcomes once Stream has closed.
func (h *QueryHandle) Outcome() Stats {
	<-h.done
	return h.stats
}

// Cancel aborts the query; in-flight strategy calls observe the
// cancellation through their context.
func (h *QueryHandle) Cancel() { h.cancel() }
