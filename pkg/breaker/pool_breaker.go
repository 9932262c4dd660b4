package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// PoolBreaker wraps sony/gobreaker for the static-policy breakers guarding
// the OLTP/OLAP connection pools in pkg/queryrouter: unlike the
// strategy/tier breakers, pool breakers need no doubling backoff or failure
// classification, so gobreaker's fixed-timeout ReadyToTrip model is a
// direct fit.
type PoolBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewPoolBreaker builds a PoolBreaker named name, tripping after
// failureThreshold consecutive failures and probing again after timeout.
func NewPoolBreaker(name string, failureThreshold uint32, timeout time.Duration) *PoolBreaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	}
	return &PoolBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker.
func (p *PoolBreaker) Execute(fn func() (any, error)) (any, error) {
	return p.cb.Execute(fn)
}

// IsPoolOpenErr reports whether err is gobreaker refusing the call because
// the breaker is open or half-open saturated, so callers needn't import
// gobreaker to classify it.
func IsPoolOpenErr(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State reports the breaker's current gobreaker state, translated to this
// package's State enum so callers needn't import gobreaker directly.
func (p *PoolBreaker) State() State {
	switch p.cb.State() {
	case gobreaker.StateClosed:
		return Closed
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Open
	}
}
