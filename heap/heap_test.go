package heap

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/osmem"
)

func TestHeap_FirstArenaComesFromOSSynchronously(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	z := h.NewZone("z")

	c, err := h.AllocateTenuredCell(z, kind.Object4, NoGC)
	require.NoError(t, err)
	require.True(t, c.IsTenured())

	st := h.Stats()
	assert.Equal(t, 1, st.ChunksFromOS)
	assert.Equal(t, 1, st.AvailableChunks)
	assert.Zero(t, st.BackgroundStarts)
	assert.Equal(t, ArenasPerChunk-1, c.Arena().Chunk().NumArenasFree())
	assert.Equal(t, 1, st.ArenasInUse)
	assert.Equal(t, int64(ArenaSize), z.Size.GCBytes())
	assert.Equal(t, int64(1), z.Size.TenuredAllocs())
	require.NoError(t, h.Verify())
}

func TestHeap_NoCellHandedOutTwice(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	z := h.NewZone("z")

	seen := make(map[uintptr]bool)
	for i := range 5000 {
		k := kind.All()[i%int(kind.Count)]
		c, err := h.AllocateTenuredCell(z, k, NoGC)
		require.NoError(t, err)
		require.False(t, seen[c.Addr()], "cell %s handed out twice", c)
		seen[c.Addr()] = true
		assert.Equal(t, k.Size(), c.Size())
	}
	require.NoError(t, h.Verify())
}

func TestHeap_ChunkFillsThenNewChunk(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	z := h.NewZone("z")

	var first *Chunk
	for range ArenasPerChunk {
		a, err := h.allocateArena(z, kind.Script, checkThresholds)
		require.NoError(t, err)
		if first == nil {
			first = a.Chunk()
		}
		require.Same(t, first, a.Chunk())
	}

	st := h.Stats()
	assert.Equal(t, 1, st.FullChunks)
	assert.Zero(t, st.AvailableChunks)
	assert.True(t, first.IsFull())
	require.NoError(t, h.Verify())

	a, err := h.allocateArena(z, kind.Script, checkThresholds)
	require.NoError(t, err)
	assert.NotSame(t, first, a.Chunk())

	st = h.Stats()
	assert.Equal(t, 2, st.ChunksFromOS)
	assert.Equal(t, 1, st.AvailableChunks)
	assert.Equal(t, ArenasPerChunk+1, st.ArenasInUse)
	require.NoError(t, h.Verify())
}

func TestHeap_RefillMakesProgress(t *testing.T) {
	col := &fakeCollector{}
	h := newTestHeap(t, testConfig(col))
	z := h.NewZone("z")

	a := fillArena(t, h, z, kind.Scope)
	assert.True(t, z.FreeList(kind.Scope).IsEmpty())
	assert.Equal(t, 1, z.NumArenas(kind.Scope))

	c, err := h.AllocateTenuredCell(z, kind.Scope, NoGC)
	require.NoError(t, err)
	assert.NotSame(t, a, c.Arena())
	assert.Equal(t, 2, z.NumArenas(kind.Scope))
	assert.Equal(t, 2, col.slices, "each new arena consults the scheduler")
}

func TestHeap_RefillPrefersOwnedArenaWithFreeSpans(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	z := h.NewZone("z")

	a := fillArena(t, h, z, kind.Script)
	z.PurgeFreeLists()
	a.MarkBlack(0)
	require.Equal(t, 1, a.Sweep())

	c, err := h.AllocateTenuredCell(z, kind.Script, NoGC)
	require.NoError(t, err)
	assert.Same(t, a, c.Arena())
	assert.Equal(t, CellIndex(1), c.Index())
	assert.Equal(t, 1, z.NumArenas(kind.Script))
}

func TestHeap_CellsAreBlackWhileMarking(t *testing.T) {
	col := &fakeCollector{}
	h := newTestHeap(t, testConfig(col))
	z := h.NewZone("z")

	before, err := h.AllocateTenuredCell(z, kind.Object8, NoGC)
	require.NoError(t, err)
	assert.False(t, before.IsMarkedBlack())

	col.setMarking(true)
	during, err := h.AllocateTenuredCell(z, kind.Object8, NoGC)
	require.NoError(t, err)
	assert.True(t, during.IsMarkedBlack())
	assert.Equal(t, 1, col.markedBy)

	// A new arena allocated mid-collection starts fully marked.
	fresh, err := h.AllocateTenuredCell(z, kind.Shape, NoGC)
	require.NoError(t, err)
	a := fresh.Arena()
	for i := range a.NumCells() {
		assert.True(t, a.IsMarked(CellIndex(i)))
	}
}

func TestHeap_LastDitchRunsOnceThenOOM(t *testing.T) {
	col := &fakeCollector{}
	cfg := testConfig(col)
	cfg.OS = osmem.NewLimited(osmem.NewGo(), 0)
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	_, err := h.AllocateTenuredCell(z, kind.Object0, AllowGC)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, osmem.ErrExhausted)

	require.Equal(t, 1, col.numFull())
	assert.Equal(t, ReasonLastDitch, col.reasons[0])
	assert.Equal(t, CollectOptions{NonIncremental: true, Shrink: true}, col.fulls[0])

	st := h.Stats()
	assert.Equal(t, 1, st.LastDitchCollections)
	assert.Equal(t, 1, st.OutOfMemory)
}

func TestHeap_NoGCNeverCollects(t *testing.T) {
	col := &fakeCollector{}
	cfg := testConfig(col)
	cfg.OS = osmem.NewLimited(osmem.NewGo(), 0)
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	_, err := h.AllocateCellNoGC(z, kind.Symbol)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Zero(t, col.numFull())
}

func TestHeap_LastDitchCooldown(t *testing.T) {
	col := &fakeCollector{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg := testConfig(col)
	cfg.OS = osmem.NewLimited(osmem.NewGo(), 0)
	cfg.Now = clock.Now
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	_, err := h.AllocateCellAllowGC(z, kind.Symbol)
	require.ErrorIs(t, err, ErrOutOfMemory)
	_, err = h.AllocateCellAllowGC(z, kind.Symbol)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1, col.numFull(), "second failure is within the cooldown")
	assert.Equal(t, 1, h.Stats().LastDitchSuppressed)

	clock.Advance(cfg.LastDitchCooldown)
	_, err = h.AllocateCellAllowGC(z, kind.Symbol)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 2, col.numFull())
}

func TestHeap_LastDitchCanRecover(t *testing.T) {
	col := &fakeCollector{}
	src := osmem.NewLimited(osmem.NewGo(), 0)
	col.onFull = func() { src.SetBudget(ChunkSize) }
	cfg := testConfig(col)
	cfg.OS = src
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	c, err := h.AllocateCellAllowGC(z, kind.Symbol)
	require.NoError(t, err)
	assert.True(t, c.IsTenured())
	assert.Equal(t, 1, col.numFull())

	attempts, failures := src.Attempts()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, failures)
}

func TestHeap_AllocateDuringCollectionPanicsOnOOM(t *testing.T) {
	cfg := testConfig(&fakeCollector{})
	cfg.OS = osmem.NewLimited(osmem.NewGo(), 0)
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrOutOfMemory)
	}()
	h.AllocateCellDuringCollection(z, kind.Object0)
	t.Fatal("expected panic")
}

func TestHeap_AllocateDuringCollection(t *testing.T) {
	col := &fakeCollector{}
	h := newTestHeap(t, testConfig(col))
	z := h.NewZone("z")

	c := h.AllocateCellDuringCollection(z, kind.Object0)
	assert.True(t, c.IsTenured())
	assert.Zero(t, col.slices, "no threshold checks during collection")
	assert.Zero(t, z.Size.TenuredAllocs())
}

func TestHeap_RefillFreeList(t *testing.T) {
	col := &fakeCollector{}
	h := newTestHeap(t, testConfig(col))
	z := h.NewZone("z")

	c, err := h.RefillFreeList(z, kind.BaseShape)
	require.NoError(t, err)
	assert.Equal(t, CellIndex(0), c.Index())
	assert.Same(t, c.Arena(), z.FreeList(kind.BaseShape).Arena())
	assert.Zero(t, col.slices)

	_, err = h.RefillFreeList(z, kind.Invalid)
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestHeap_InvalidKind(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	z := h.NewZone("z")

	_, err := h.AllocateCellAllowGC(z, kind.Invalid)
	require.ErrorIs(t, err, ErrInvalidKind)
	_, err = h.AllocateTenuredCell(z, kind.Count+7, NoGC)
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestHeap_ReleaseArenaRecyclesChunk(t *testing.T) {
	src := osmem.NewLimited(osmem.NewGo(), 4*ChunkSize)
	cfg := testConfig(&fakeCollector{})
	cfg.OS = src
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	a := fillArena(t, h, z, kind.Script)
	chunk := a.Chunk()

	require.ErrorIs(t, h.ReleaseArena(a), ErrArenaInUse)

	z.PurgeFreeLists()
	require.Zero(t, a.Sweep())
	require.NoError(t, h.ReleaseArena(a))

	assert.Zero(t, z.NumArenas(kind.Script))
	assert.Zero(t, z.Size.GCBytes())
	assert.True(t, chunk.IsPoisoned())

	st := h.Stats()
	assert.Equal(t, 1, st.EmptyChunks)
	assert.Zero(t, st.AvailableChunks)
	assert.Equal(t, 1, st.ArenasReleased)
	require.NoError(t, h.Verify())

	// The recycled chunk is reused without another OS request.
	c, err := h.AllocateTenuredCell(z, kind.Script, NoGC)
	require.NoError(t, err)
	assert.Same(t, chunk, c.Arena().Chunk())
	assert.False(t, chunk.IsPoisoned())
	assert.Equal(t, 1, h.Stats().ChunksFromOS)
	require.NoError(t, h.Verify())
}

func TestHeap_ReleaseFromFullChunk(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	z := h.NewZone("z")

	var arenas []*Arena
	for range ArenasPerChunk {
		a, err := h.allocateArena(z, kind.Script, checkThresholds)
		require.NoError(t, err)
		z.arenaLists[kind.Script].append(a)
		arenas = append(arenas, a)
	}
	require.Equal(t, 1, h.Stats().FullChunks)

	require.NoError(t, h.ReleaseArena(arenas[7]))
	st := h.Stats()
	assert.Zero(t, st.FullChunks)
	assert.Equal(t, 1, st.AvailableChunks)
	require.NoError(t, h.Verify())

	// The freed slot is the next one handed out.
	a, err := h.allocateArena(z, kind.Script, checkThresholds)
	require.NoError(t, err)
	assert.Equal(t, 7, a.Slot())
}

func TestHeap_DecommitAndShrink(t *testing.T) {
	src := osmem.NewLimited(osmem.NewGo(), 4*ChunkSize)
	cfg := testConfig(&fakeCollector{})
	cfg.OS = src
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	a, err := h.allocateArena(z, kind.Object0, checkThresholds)
	require.NoError(t, err)
	b, err := h.allocateArena(z, kind.Object0, checkThresholds)
	require.NoError(t, err)

	n, err := h.DecommitFreeArenas()
	require.NoError(t, err)
	assert.Zero(t, n, "the only committed page has arenas in use")
	assert.Equal(t, int64(PageSize), h.Stats().CommittedBytes)

	require.NoError(t, h.ReleaseArena(a))
	require.NoError(t, h.ReleaseArena(b))
	require.Equal(t, 1, h.Stats().EmptyChunks)

	n, err = h.DecommitFreeArenas()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.Stats().CommittedBytes)
	n, err = h.DecommitFreeArenas()
	require.NoError(t, err)
	assert.Zero(t, n)

	released, err := h.ShrinkEmptyChunks()
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Zero(t, src.Live())

	st := h.Stats()
	assert.Zero(t, st.EmptyChunks)
	assert.Equal(t, 1, st.ChunksReleased)
}

// refuseRelease is a Source whose Release fails while refuse is set.
type refuseRelease struct {
	osmem.Source
	refuse bool
}

func (r *refuseRelease) Release(b []byte) error {
	if r.refuse {
		return errors.New("release refused")
	}
	return r.Source.Release(b)
}

func TestHeap_ShrinkKeepsChunksTheOSRefuses(t *testing.T) {
	src := &refuseRelease{Source: osmem.NewGo(), refuse: true}
	cfg := testConfig(&fakeCollector{})
	cfg.OS = src
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	a, err := h.allocateArena(z, kind.Object0, checkThresholds)
	require.NoError(t, err)
	require.NoError(t, h.ReleaseArena(a))
	require.Equal(t, 1, h.Stats().EmptyChunks)

	released, err := h.ShrinkEmptyChunks()
	require.Error(t, err)
	assert.Zero(t, released)

	st := h.Stats()
	assert.Equal(t, 1, st.EmptyChunks, "the chunk is still accounted for")
	assert.Zero(t, st.ChunksReleased)
	require.NoError(t, h.Verify())

	src.refuse = false
	released, err = h.ShrinkEmptyChunks()
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Zero(t, h.Stats().EmptyChunks)
}

func TestHeap_CloseReleasesEverything(t *testing.T) {
	src := osmem.NewLimited(osmem.NewGo(), 8*ChunkSize)
	cfg := testConfig(&fakeCollector{})
	cfg.OS = src
	h, err := New(cfg)
	require.NoError(t, err)
	z := h.NewZone("z")

	for range ArenasPerChunk + 1 {
		_, err := h.allocateArena(z, kind.Script, checkThresholds)
		require.NoError(t, err)
	}
	require.Equal(t, int64(2*ChunkSize), src.Live())

	require.NoError(t, h.Close())
	assert.Zero(t, src.Live())
	require.NoError(t, h.Close(), "close is idempotent")

	_, err = h.AllocateTenuredCell(h.NewZone("late"), kind.Object0, AllowGC)
	require.ErrorIs(t, err, ErrClosed)
}

func TestHeap_ConcurrentZones(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))

	const workers = 4
	const perWorker = 3000
	addrs := make([][]uintptr, workers)

	var wg sync.WaitGroup
	for w := range workers {
		z := h.NewZone("worker")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				k := kind.All()[(i+w)%int(kind.Count)]
				c, err := h.AllocateTenuredCell(z, k, NoGC)
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				addrs[w] = append(addrs[w], c.Addr())
			}
		}()
	}
	wg.Wait()

	seen := make(map[uintptr]bool)
	for _, list := range addrs {
		for _, a := range list {
			require.False(t, seen[a], "address %#x handed to two zones", a)
			seen[a] = true
		}
	}
	assert.Len(t, seen, workers*perWorker)
	require.NoError(t, h.Verify())
}

func TestHeap_VerifyCatchesMisplacedChunk(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	z := h.NewZone("z")

	a, err := h.allocateArena(z, kind.Object0, checkThresholds)
	require.NoError(t, err)
	c := a.Chunk()

	h.mu.Lock()
	h.available.Remove(c)
	h.full.Push(c)
	h.mu.Unlock()

	err = h.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full pool")

	h.mu.Lock()
	h.full.Remove(c)
	h.available.Push(c)
	h.mu.Unlock()
	require.NoError(t, h.Verify())
}

func TestHeap_ChunksSnapshot(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	z := h.NewZone("z")

	for range 3 {
		_, err := h.allocateArena(z, kind.Object0, checkThresholds)
		require.NoError(t, err)
	}

	snaps := h.Chunks()
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, "available", s.Pool)
	assert.Equal(t, 3, s.InUse())
	assert.Equal(t, SlotFreeCommitted, s.Slots[3])
	assert.Equal(t, SlotDecommitted, s.Slots[ArenasPerPage])
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := testConfig(&fakeCollector{})
	cfg.MinEmptyChunkCount = -1
	_, err := New(cfg)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrOutOfMemory))
}
