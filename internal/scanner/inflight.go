package scanner

import (
	"sync"

	"github.com/ethanolivertroy/vuln-ledger/internal/telemetry"
)

// inflight tracks ledger entries claimed by a running scan. A claim is
// exclusive; other scans get a channel that is closed on release.
type inflight struct {
	mu      sync.Mutex
	entries map[int64]chan struct{}
	metrics *telemetry.Metrics
}

func newInflight(metrics *telemetry.Metrics) *inflight {
	return &inflight{entries: make(map[int64]chan struct{}), metrics: metrics}
}

// claim takes ownership of an entry. When another scan owns it, claim
// returns false and a channel closed when that scan releases the entry.
func (r *inflight) claim(id int64) (bool, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if done, ok := r.entries[id]; ok {
		return false, done
	}
	r.entries[id] = make(chan struct{})
	r.metrics.AddInflight(1)
	return true, nil
}

// release gives up ownership and wakes every waiter
func (r *inflight) release(ids ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if done, ok := r.entries[id]; ok {
			close(done)
			delete(r.entries, id)
			r.metrics.AddInflight(-1)
		}
	}
}

func (r *inflight) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
