// Package breaker implements the three-state circuit breaker shared by
// every outbound dependency: CLOSED -> OPEN -> HALF_OPEN ->
// CLOSED, with failure classification and a doubling recovery timeout.
//
// sony/gobreaker's Settings model a fixed recovery Timeout and a
// ReadyToTrip predicate over a rolling Counts window; it has no notion of
// "doubling the timeout on each repeated trip" nor of classifying failures
// before counting them, both of which this module needs. Reimplementing
// those two behaviors on top of gobreaker's fixed-timeout model would mean
// fighting its state machine more than using it, so the primary Breaker
// here is a small hand-rolled state machine instead; gobreaker is used
// directly for the simpler, static-policy pool breakers in pkg/queryrouter
// (see PoolBreaker in pool_breaker.go).
package breaker

import (
	"sync"
	"time"

	"github.com/archivecore/webarchive/internal/apperrors"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Breaker's thresholds.
type Config struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxProbes   int
	MaxRecoveryTimeout  time.Duration
}

// Breaker is a single owned instance with an internal mutex, shared across
// all callers of a given upstream. It is referenced, never
// copied.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	currentRecovery     time.Duration
	halfOpenProbesUsed  int
	halfOpenFailed      bool
}

// New constructs a Breaker starting CLOSED.
func New(cfg Config) *Breaker {
	if cfg.MaxRecoveryTimeout == 0 {
		cfg.MaxRecoveryTimeout = cfg.RecoveryTimeout * 8
	}
	return &Breaker{cfg: cfg, state: Closed, currentRecovery: cfg.RecoveryTimeout}
}

// Allow reports whether a call should be admitted right now, transitioning
// OPEN -> HALF_OPEN when the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.currentRecovery {
			b.state = HalfOpen
			b.halfOpenProbesUsed = 0
			b.halfOpenFailed = false
			return b.admitHalfOpenLocked()
		}
		return false
	case HalfOpen:
		return b.admitHalfOpenLocked()
	default:
		return false
	}
}

func (b *Breaker) admitHalfOpenLocked() bool {
	if b.halfOpenProbesUsed >= b.cfg.HalfOpenMaxProbes {
		return false
	}
	b.halfOpenProbesUsed++
	return true
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		if b.halfOpenProbesUsed >= b.cfg.HalfOpenMaxProbes && !b.halfOpenFailed {
			b.toClosedLocked()
		}
	case Closed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure reports a failed call classified by kind. Only kinds that
// CountsTowardBreaker (TRANSIENT, UPSTREAM_UNAVAILABLE) move the state
// machine; CLIENT_ERROR never opens the breaker.
func (b *Breaker) RecordFailure(kind apperrors.Kind) {
	if !kind.CountsTowardBreaker() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.toOpenLocked(b.cfg.RecoveryTimeout)
		}
	case HalfOpen:
		b.halfOpenFailed = true
		next := b.currentRecovery * 2
		if next > b.cfg.MaxRecoveryTimeout {
			next = b.cfg.MaxRecoveryTimeout
		}
		b.toOpenLocked(next)
	}
}

func (b *Breaker) toOpenLocked(recovery time.Duration) {
	b.state = Open
	b.openedAt = time.Now()
	b.currentRecovery = recovery
	b.consecutiveFailures = 0
}

func (b *Breaker) toClosedLocked() {
	b.state = Closed
	b.consecutiveFailures = 0
	b.currentRecovery = b.cfg.RecoveryTimeout
}

// MetricValue encodes the state for the breaker state gauge:
// 0=closed, 1=half_open, 2=open.
func (s State) MetricValue() float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ErrOpen is returned by Do when the breaker is OPEN.
var ErrOpen = apperrors.New(apperrors.KindCircuitOpen, "circuit breaker is open")

// Do runs fn if the breaker admits the call, classifying its error (via
// classify) to update breaker state. Returns ErrOpen without calling fn if
// the breaker is not admitting calls.
func (b *Breaker) Do(fn func() error, classify func(error) apperrors.Kind) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err == nil {
		b.RecordSuccess()
		return nil
	}
	b.RecordFailure(classify(err))
	return err
}
