package keypool

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrEmptyPool is returned when a pool is constructed without entries.
var ErrEmptyPool = errors.New("keypool: no entries configured")

// rotationCounterReset bounds the raw rotation counter so it never
// approaches overflow under sustained traffic.
const rotationCounterReset = 1_000_000_000

// Pool is the ordered entry sequence plus the rotation cursor. The cursor
// is a monotonically advancing atomic counter interpreted modulo the pool
// size; latency reordering swaps in a freshly sorted sequence and resets
// the cursor. Readers always observe a complete ordering, never a
// partially sorted one.
type Pool struct {
	mu      sync.RWMutex
	entries []*Entry
	cursor  atomic.Int64
}

// New builds a pool over the given entries. At least one entry is
// required.
func New(entries []*Entry) (*Pool, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyPool
	}
	p := &Pool{entries: entries}
	return p, nil
}

// Size returns the number of entries.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Current returns the entry at the cursor without moving it.
func (p *Pool) Current() *Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[p.index(p.cursor.Load())]
}

// Advance atomically moves the cursor one step and returns the entry it
// now points at. Concurrent advances serialize: each moves the cursor by
// exactly one logical step.
func (p *Pool) Advance() *Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	raw := p.cursor.Add(1)
	p.maybeResetCounter(raw)
	return p.entries[p.index(raw)]
}

// Claim atomically takes the cursor's position for the caller and
// advances past it, returning the claimed position and a consistent view
// of the ordering. Successive claims visit entries round-robin.
func (p *Pool) Claim() (int, []*Entry) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	raw := p.cursor.Add(1)
	p.maybeResetCounter(raw)
	return p.index(raw - 1), p.entries
}

// Entries returns a snapshot of the current ordering.
func (p *Pool) Entries() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries
}

// ReorderByLatency records the given measurements (keyed by entry ID) and
// replaces the ordering with one sorted ascending by latency, ties broken
// by original configuration order. The cursor restarts at the front of
// the new ordering.
func (p *Pool) ReorderByLatency(measurements map[int]time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if d, ok := measurements[e.ID]; ok {
			e.setLatency(d)
		}
	}

	sorted := make([]*Entry, len(p.entries))
	copy(sorted, p.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := sorted[i].Latency(), sorted[j].Latency()
		if li != lj {
			return li < lj
		}
		return sorted[i].ID < sorted[j].ID
	})
	p.entries = sorted
	p.cursor.Store(0)

	if log.IsLevelEnabled(log.DebugLevel) {
		order := make([]string, 0, len(sorted))
		for _, e := range sorted {
			lat := "unreachable"
			if e.Latency() != LatencyUnreachable {
				lat = e.Latency().String()
			}
			order = append(order, e.BaseURL+"="+lat)
		}
		log.WithFields(log.Fields{"order": order}).Debug("keypool: reordered by latency")
	}
}

// index maps a raw counter value onto the entry slice. Callers hold at
// least the read lock.
func (p *Pool) index(raw int64) int {
	n := int64(len(p.entries))
	idx := raw % n
	if idx < 0 {
		idx += n
	}
	return int(idx)
}

// maybeResetCounter folds the raw counter back into range before it can
// overflow. The modulo preserves the cursor position, so rotation order
// is unaffected. Callers hold at least the read lock.
func (p *Pool) maybeResetCounter(raw int64) {
	if raw > rotationCounterReset {
		p.cursor.CompareAndSwap(raw, raw%int64(len(p.entries)))
	}
}
