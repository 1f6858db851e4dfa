// Package routing selects the upstream entry that should serve a
// requested model name.
package routing

import (
	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/keypool"
)

// Router matches model names against the pool. Exact claims always beat
// the "others" wildcard; among entries matching the same rule, the
// configured strategy ranks them.
type Router struct {
	pool     *keypool.Pool
	strategy string
}

// New builds a router over the pool with the given rotation strategy
// (config.StrategyRoundRobin or config.StrategyLeastLatency).
func New(pool *keypool.Pool, strategy string) *Router {
	return &Router{pool: pool, strategy: strategy}
}

// Select returns the entry that should serve model, skipping entries
// whose IDs are in excluding. Each call claims one rotation step, so
// consecutive unrelated selections distribute across equally-eligible
// entries instead of pinning to the first match. The claimed position is
// the tie-break origin: the eligible entry closest circularly forward
// from it wins. Returns false when no entry matches.
func (r *Router) Select(model string, excluding map[int]bool) (*keypool.Entry, bool) {
	origin, entries := r.pool.Claim()

	if e := r.pick(entries, origin, excluding, func(e *keypool.Entry) bool {
		return e.SupportsExact(model)
	}); e != nil {
		return e, true
	}
	if e := r.pick(entries, origin, excluding, (*keypool.Entry).IsWildcard); e != nil {
		return e, true
	}
	return nil, false
}

func (r *Router) pick(entries []*keypool.Entry, origin int, excluding map[int]bool, matches func(*keypool.Entry) bool) *keypool.Entry {
	n := len(entries)
	if r.strategy == config.StrategyLeastLatency {
		// Lowest measured latency wins; the forward scan keeps the entry
		// closest to the claimed position on equal latencies.
		var best *keypool.Entry
		for j := 0; j < n; j++ {
			e := entries[(origin+j)%n]
			if excluding[e.ID] || !matches(e) {
				continue
			}
			if best == nil || e.Latency() < best.Latency() {
				best = e
			}
		}
		return best
	}

	for j := 0; j < n; j++ {
		e := entries[(origin+j)%n]
		if excluding[e.ID] || !matches(e) {
			continue
		}
		return e
	}
	return nil
}
