package keypool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keywheel/keywheel/internal/config"
)

func testEntries(n int) []*Entry {
	keys := make([]config.UpstreamKey, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, config.UpstreamKey{
			Secret:  "sk-test-" + string(rune('a'+i)),
			BaseURL: "https://upstream-" + string(rune('a'+i)) + ".example.com",
			Models:  []string{"others"},
		})
	}
	return BuildEntries(keys)
}

func TestNewRequiresEntries(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}

func TestClaimVisitsEveryEntryOncePerCycle(t *testing.T) {
	pool, err := New(testEntries(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []int
	for i := 0; i < 6; i++ {
		idx, entries := pool.Claim()
		got = append(got, entries[idx].ID)
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim sequence %v, want %v", got, want)
		}
	}
}

func TestAdvanceMovesCursorOneStep(t *testing.T) {
	pool, err := New(testEntries(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e := pool.Current(); e.ID != 0 {
		t.Fatalf("expected cursor on entry 0, got %d", e.ID)
	}
	if e := pool.Advance(); e.ID != 1 {
		t.Fatalf("expected advance to entry 1, got %d", e.ID)
	}
	if e := pool.Current(); e.ID != 1 {
		t.Fatalf("expected cursor on entry 1 after advance, got %d", e.ID)
	}
	pool.Advance()
	if e := pool.Advance(); e.ID != 0 {
		t.Fatalf("expected wraparound to entry 0, got %d", e.ID)
	}
}

func TestConcurrentClaimsStayBalanced(t *testing.T) {
	const (
		workers       = 8
		claimsPerGoro = 100
	)
	pool, err := New(testEntries(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	counts := make(map[int]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < claimsPerGoro; i++ {
				idx, entries := pool.Claim()
				id := entries[idx].ID
				mu.Lock()
				counts[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := workers * claimsPerGoro
	expected := total / pool.Size()
	for id := 0; id < pool.Size(); id++ {
		if counts[id] != expected {
			t.Fatalf("entry %d claimed %d times, expected %d (counts=%v)", id, counts[id], expected, counts)
		}
	}
}

func TestReorderByLatencySortsAscending(t *testing.T) {
	pool, err := New(testEntries(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pool.ReorderByLatency(map[int]time.Duration{
		0: 300 * time.Millisecond,
		1: 20 * time.Millisecond,
		2: LatencyUnreachable,
		3: 150 * time.Millisecond,
	})

	entries := pool.Entries()
	wantIDs := []int{1, 3, 0, 2}
	for i, want := range wantIDs {
		if entries[i].ID != want {
			t.Fatalf("position %d: expected entry %d, got %d", i, want, entries[i].ID)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Latency() > entries[i].Latency() {
			t.Fatalf("latency not non-decreasing at position %d", i)
		}
	}

	// Cursor restarts at the fastest entry.
	idx, ordered := pool.Claim()
	if ordered[idx].ID != 1 {
		t.Fatalf("expected claim after reorder to start at entry 1, got %d", ordered[idx].ID)
	}
}

func TestReorderBreaksTiesByConfigOrder(t *testing.T) {
	pool, err := New(testEntries(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pool.ReorderByLatency(map[int]time.Duration{
		0: 10 * time.Millisecond,
		1: 10 * time.Millisecond,
		2: 10 * time.Millisecond,
	})

	entries := pool.Entries()
	for i := range entries {
		if entries[i].ID != i {
			t.Fatalf("expected config order on equal latencies, got entry %d at position %d", entries[i].ID, i)
		}
	}
}

func TestReorderDoesNotDisturbUnmeasuredEntries(t *testing.T) {
	pool, err := New(testEntries(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pool.ReorderByLatency(map[int]time.Duration{1: 5 * time.Millisecond})

	entries := pool.Entries()
	if entries[0].ID != 1 {
		t.Fatalf("expected measured entry first, got %d", entries[0].ID)
	}
	if entries[1].Latency() != LatencyUnreachable {
		t.Fatalf("expected unmeasured entry to keep the unreachable sentinel, got %s", entries[1].Latency())
	}
}

func TestEntryModelMatching(t *testing.T) {
	e := NewEntry(0, "sk-x", "https://a.example.com", []string{"gpt-4", "others"})
	if !e.SupportsExact("gpt-4") {
		t.Fatal("expected exact match for gpt-4")
	}
	if e.SupportsExact("gpt-3.5-turbo") {
		t.Fatal("did not expect exact match for gpt-3.5-turbo")
	}
	if !e.IsWildcard() {
		t.Fatal("expected wildcard entry")
	}

	narrow := NewEntry(1, "sk-y", "https://b.example.com", []string{"gpt-4"})
	if narrow.IsWildcard() {
		t.Fatal("did not expect wildcard for explicit-only entry")
	}
}

func TestRedactedSecretHidesTail(t *testing.T) {
	e := NewEntry(0, "sk-abcdefghijklmnop", "https://a.example.com", []string{"others"})
	masked := e.RedactedSecret()
	if masked != "sk-abc***" {
		t.Fatalf("expected sk-abc***, got %q", masked)
	}
}
