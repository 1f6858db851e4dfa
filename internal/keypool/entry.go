// Package keypool owns the upstream credential entries and the shared
// rotation cursor. All cursor mutation happens through the Pool; nothing
// else in the process touches rotation state.
package keypool

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/logging"
)

// WildcardModel is the sentinel model name that makes an entry serve any
// model not claimed exactly by another entry.
const WildcardModel = "others"

// LatencyUnreachable marks an entry whose probe failed or that has not
// been probed yet. It sorts after every measured latency.
const LatencyUnreachable = time.Duration(math.MaxInt64)

// Entry is one upstream credential: a bearer secret, the origin requests
// are forwarded to, and the model names it serves. The ID is the position
// in the original configuration order and stays stable across latency
// reordering, so per-request exclusion sets survive a concurrent reorder.
type Entry struct {
	ID      int
	Secret  string
	BaseURL string
	Models  []string

	wildcard     bool
	latencyNanos atomic.Int64
}

// NewEntry builds an entry with the unreachable latency sentinel set.
func NewEntry(id int, secret, baseURL string, models []string) *Entry {
	e := &Entry{
		ID:      id,
		Secret:  secret,
		BaseURL: baseURL,
		Models:  models,
	}
	for _, m := range models {
		if m == WildcardModel {
			e.wildcard = true
			break
		}
	}
	e.latencyNanos.Store(int64(LatencyUnreachable))
	return e
}

// BuildEntries converts configured upstream keys into pool entries,
// preserving configuration order as entry identity.
func BuildEntries(keys []config.UpstreamKey) []*Entry {
	entries := make([]*Entry, 0, len(keys))
	for i, k := range keys {
		entries = append(entries, NewEntry(i, k.Secret, k.BaseURL, k.Models))
	}
	return entries
}

// SupportsExact reports whether the entry claims the model by name.
func (e *Entry) SupportsExact(model string) bool {
	for _, m := range e.Models {
		if m == model {
			return true
		}
	}
	return false
}

// IsWildcard reports whether the entry accepts unclaimed models.
func (e *Entry) IsWildcard() bool {
	return e.wildcard
}

// Latency returns the last probe measurement, or LatencyUnreachable.
func (e *Entry) Latency() time.Duration {
	return time.Duration(e.latencyNanos.Load())
}

func (e *Entry) setLatency(d time.Duration) {
	e.latencyNanos.Store(int64(d))
}

// RedactedSecret is the loggable form of the entry's secret.
func (e *Entry) RedactedSecret() string {
	return logging.RedactSecret(e.Secret)
}
