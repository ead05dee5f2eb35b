package heap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/osmem"
)

// fakeCollector records what the heap asks of it.
type fakeCollector struct {
	mu       sync.Mutex
	marking  bool
	fulls    []CollectOptions
	reasons  []Reason
	slices   int
	markedBy int
	onFull   func()
}

func (f *fakeCollector) FullCollect(opts CollectOptions, reason Reason) {
	f.mu.Lock()
	f.fulls = append(f.fulls, opts)
	f.reasons = append(f.reasons, reason)
	fn := f.onFull
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeCollector) MaybeTriggerIncrementalSlice(*Zone) {
	f.mu.Lock()
	f.slices++
	f.mu.Unlock()
}

func (f *fakeCollector) IsMarkingOrSweeping(*Zone) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marking
}

func (f *fakeCollector) MarkBlack(c Cell) {
	f.mu.Lock()
	f.markedBy++
	f.mu.Unlock()
	if c.arena != nil {
		c.arena.MarkBlack(c.index)
	}
}

func (f *fakeCollector) setMarking(on bool) {
	f.mu.Lock()
	f.marking = on
	f.mu.Unlock()
}

func (f *fakeCollector) numFull() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fulls)
}

// fakeClock is a settable clock for cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testConfig is a deterministic configuration: Go-heap memory, no background
// allocation, a fake collector.
func testConfig(col *fakeCollector) Config {
	cfg := DefaultConfig()
	cfg.BackgroundAllocation = false
	cfg.OS = osmem.NewGo()
	cfg.Collector = col
	return cfg
}

func newTestHeap(t testing.TB, cfg Config) *Heap {
	t.Helper()
	h, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// newTestChunk returns a fresh chunk backed by the Go heap.
func newTestChunk(t testing.TB) (*Chunk, osmem.Source) {
	t.Helper()
	src := osmem.NewGo()
	mem, err := src.ReserveAndCommit(ChunkSize, ChunkSize)
	require.NoError(t, err)
	return newChunk(mem), src
}

// fillArena allocates every cell of a fresh arena of kind k in z and returns
// the arena. The free list is left empty.
func fillArena(t testing.TB, h *Heap, z *Zone, k kind.AllocKind) *Arena {
	t.Helper()
	first, err := h.AllocateTenuredCell(z, k, NoGC)
	require.NoError(t, err)
	a := first.Arena()
	for a.Allocated() < a.NumCells() {
		_, err := h.AllocateTenuredCell(z, k, NoGC)
		require.NoError(t, err)
	}
	return a
}
