package queryrouter

import (
	"context"
	"sync/atomic"

	"github.com/archivecore/webarchive/internal/apperrors"
)

// replica is one engine endpoint inside a Pool with its in-flight counter.
type replica struct {
	name     string
	engine   Engine
	inflight int64
}

// Pool selects among replicas of one engine: least-in-flight across
// replicas, round-robin to break ties. Connection-level limits
// (max_conn, idle timeout, max lifetime) live on the sqlx.DB each replica
// wraps; the Pool only does selection and in-flight accounting.
type Pool struct {
	replicas []*replica
	rr       uint64
}

// NewPool builds a Pool over the given named engines.
func NewPool(engines map[string]Engine) *Pool {
	p := &Pool{}
	for name, e := range engines {
		p.replicas = append(p.replicas, &replica{name: name, engine: e})
	}
	return p
}

// ErrNoReplicas is returned when a Pool has no engines configured.
var ErrNoReplicas = apperrors.New(apperrors.KindServiceDegraded, "connection pool has no replicas")

// Acquire checks out the least-loaded replica. The returned release func
// must be called exactly once; cancellation unwinds the checkout without
// touching transaction state.
func (p *Pool) Acquire(ctx context.Context) (Engine, func(), error) {
	if len(p.replicas) == 0 {
		return nil, nil, ErrNoReplicas
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.KindDeadlineExceeded, "pool checkout cancelled")
	}

	start := atomic.AddUint64(&p.rr, 1)
	best := p.replicas[start%uint64(len(p.replicas))]
	bestLoad := atomic.LoadInt64(&best.inflight)
	for i := range p.replicas {
		r := p.replicas[(start+uint64(i))%uint64(len(p.replicas))]
		if load := atomic.LoadInt64(&r.inflight); load < bestLoad {
			best, bestLoad = r, load
		}
	}

	atomic.AddInt64(&best.inflight, 1)
	return best.engine, func() { atomic.AddInt64(&best.inflight, -1) }, nil
}

// InFlight reports the summed in-flight count across replicas.
func (p *Pool) InFlight() int64 {
	var total int64
	for _, r := range p.replicas {
		total += atomic.LoadInt64(&r.inflight)
	}
	return total
}
