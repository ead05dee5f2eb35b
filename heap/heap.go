package heap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/logger"
	"github.com/joshuapare/cellheap/internal/osmem"
)

// Heap is the process-wide allocator state: chunk pools, the background
// allocation task, and the collaborators. Construct one with New at startup
// and tear it down with Close.
type Heap struct {
	cfg       Config
	os        osmem.Source
	nursery   Nursery
	collector Collector

	// mu is the heap lock. It guards the pools, chunk metadata, zones,
	// background task state and stats.
	mu        sync.Mutex
	available ChunkPool
	full      ChunkPool
	empty     ChunkPool
	bg        backgroundAllocTask
	zones     []*Zone
	closed    bool

	lastDitchAt time.Time
	stats       Stats
}

// New creates a heap. No memory is reserved until the first arena is needed.
func New(cfg Config) (*Heap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	h := &Heap{
		cfg:       cfg,
		os:        cfg.OS,
		nursery:   cfg.Nursery,
		collector: cfg.Collector,
		available: newChunkPool("available"),
		full:      newChunkPool("full"),
		empty:     newChunkPool("empty"),
	}
	h.bg.init(h, cfg.BackgroundAllocation && cfg.HelperThreads > 0)
	return h, nil
}

// Config returns the heap's configuration.
func (h *Heap) Config() Config { return h.cfg }

// OS returns the heap's memory source.
func (h *Heap) OS() osmem.Source { return h.os }

// SetCollector attaches the collector. Call before allocating.
func (h *Heap) SetCollector(c Collector) {
	if c == nil {
		c = noCollector{}
	}
	h.collector = c
}

// SetNursery attaches the nursery. Call before allocating.
func (h *Heap) SetNursery(n Nursery) { h.nursery = n }

// NewZone creates a zone that allocates from h. Nursery allocation is
// allowed for every trace kind by default.
func (h *Heap) NewZone(name string) *Zone {
	z := &Zone{name: name, heap: h}
	for t := range z.nurseryKinds {
		z.nurseryKinds[t] = true
	}
	h.mu.Lock()
	h.zones = append(h.zones, z)
	h.mu.Unlock()
	return z
}

// Zones returns a snapshot of the heap's zones.
func (h *Heap) Zones() []*Zone {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Zone(nil), h.zones...)
}

// lockIfShared takes the heap lock unless the pools are private to one
// goroutine and no background task can touch them.
func (h *Heap) lockIfShared() func() {
	if !h.cfg.SharedChunkPools && !h.bg.enabled {
		return func() {}
	}
	h.mu.Lock()
	return h.mu.Unlock
}

// allocateChunkFromOS reserves a fresh chunk. The returned chunk is private
// to the caller until pushed to a pool.
func (h *Heap) allocateChunkFromOS() (*Chunk, error) {
	mem, err := h.os.ReserveAndCommit(ChunkSize, ChunkSize)
	if err != nil {
		return nil, err
	}
	c := newChunk(mem)
	logger.Debug("allocated chunk from OS", "chunk", fmt.Sprintf("%#x", c.Addr()))
	return c, nil
}

// pickChunk returns a chunk with free arenas: the most recently used
// available chunk, else a recycled empty chunk, else a fresh OS chunk.
// Called with the heap lock held.
func (h *Heap) pickChunk() (*Chunk, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if c := h.available.Head(); c != nil {
		return c, nil
	}

	h.empty.TakeAll(&h.bg.staged)
	c := h.empty.Pop()
	if c != nil {
		if c.poisoned {
			c.reinit()
		}
	} else {
		var err error
		c, err = h.allocateChunkFromOS()
		if err != nil {
			return nil, err
		}
		h.stats.ChunksFromOS++
	}
	h.available.Push(c)

	if h.wantBackgroundAllocation() {
		h.bg.startIfIdle()
	}
	return c, nil
}

// wantBackgroundAllocation reports whether pre-allocating chunks is worth it:
// the task is enabled, the empty reserve is below target, and the heap is
// big enough to amortize the work. Called with the heap lock held.
func (h *Heap) wantBackgroundAllocation() bool {
	return h.bg.enabled &&
		h.empty.Len()+h.bg.staged.Len() < h.cfg.MinEmptyChunkCount &&
		h.available.Len()+h.full.Len() >= h.cfg.MinChunksForBackgroundAlloc
}

type thresholdMode uint8

const (
	checkThresholds thresholdMode = iota
	dontCheckThresholds
)

// allocateArena assigns a new arena of kind k to zone z.
func (h *Heap) allocateArena(z *Zone, k kind.AllocKind, check thresholdMode) (*Arena, error) {
	premark := h.collector.IsMarkingOrSweeping(z)

	unlock := h.lockIfShared()
	chunk, err := h.pickChunk()
	if err != nil {
		unlock()
		return nil, err
	}
	a, err := chunk.allocateArena(h.os, z, k, premark)
	if err != nil {
		unlock()
		return nil, err
	}
	if chunk.IsFull() {
		h.available.Remove(chunk)
		h.full.Push(chunk)
	}
	h.stats.ArenasAllocated++
	unlock()

	z.Size.AddArena(ArenaSize)
	if check == checkThresholds {
		h.collector.MaybeTriggerIncrementalSlice(z)
		// The slice may have finished the collection the arena was
		// pre-marked for.
		if premark && !h.collector.IsMarkingOrSweeping(z) {
			a.ClearMarks()
		}
	}
	return a, nil
}

// ReleaseArena returns an empty arena to its chunk. The chunk moves from the
// full pool to the available pool, or to the empty pool when its last arena
// comes back. Called by the collector after sweeping, on the zone's goroutine.
func (h *Heap) ReleaseArena(a *Arena) error {
	z := a.zone
	if z == nil {
		return fmt.Errorf("%w: arena %#x is not assigned", ErrArenaInUse, a.Addr())
	}
	if a.allocated != 0 || a.installed {
		return fmt.Errorf("%w: arena %#x holds %d cells", ErrArenaInUse, a.Addr(), a.allocated)
	}
	z.arenaLists[a.kind].remove(a)

	unlock := h.lockIfShared()
	c := a.chunk
	wasFull := c.IsFull()
	c.releaseArena(a)
	if wasFull {
		h.full.Remove(c)
		h.available.Push(c)
	}
	if c.IsEmpty() {
		h.available.Remove(c)
		h.recycleChunk(c)
	}
	h.stats.ArenasReleased++
	unlock()

	z.Size.RemoveArena(ArenaSize)
	return nil
}

// recycleChunk moves a chunk with no arenas in use to the empty pool. It is
// not returned to the OS here. Called with the heap lock held.
func (h *Heap) recycleChunk(c *Chunk) {
	if !c.IsEmpty() {
		panic(fmt.Errorf("heap: recycling chunk %#x with %d arenas in use", c.Addr(), c.NumArenasInUse()))
	}
	c.poison()
	h.empty.Push(c)
}

// DecommitFreeArenas hands back to the OS every page of every available or
// empty chunk whose arenas are all free. It returns the number of pages.
func (h *Heap) DecommitFreeArenas() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	var errs []error
	h.available.Each(func(c *Chunk) {
		n, err := c.DecommitFreeArenas(h.os)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	})
	h.empty.Each(func(c *Chunk) {
		before := c.NumDecommittedPages()
		if err := c.DecommitAllArenas(h.os); err != nil {
			errs = append(errs, err)
		}
		total += c.NumDecommittedPages() - before
	})
	return total, errors.Join(errs...)
}

// ShrinkEmptyChunks releases every chunk in the empty and staging pools to
// the OS. It returns the number of chunks released. Chunks the OS refuses to
// take back stay in the empty pool.
func (h *Heap) ShrinkEmptyChunks() (int, error) {
	h.mu.Lock()
	h.empty.TakeAll(&h.bg.staged)
	var chunks []*Chunk
	for c := h.empty.Pop(); c != nil; c = h.empty.Pop() {
		chunks = append(chunks, c)
	}
	h.mu.Unlock()

	var errs []error
	var kept []*Chunk
	released := 0
	for _, c := range chunks {
		if err := h.os.Release(c.mem); err != nil {
			errs = append(errs, err)
			kept = append(kept, c)
			continue
		}
		released++
	}

	h.mu.Lock()
	for _, c := range kept {
		h.empty.Push(c)
	}
	h.stats.ChunksReleased += released
	h.mu.Unlock()
	if released > 0 {
		logger.Debug("released empty chunks", "chunks", released)
	}
	return released, errors.Join(errs...)
}

// Close cancels the background task and returns every chunk to the OS. Cells
// and arenas must not be used afterwards.
func (h *Heap) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	// Set before cancelling so the task cannot be restarted.
	h.closed = true
	h.mu.Unlock()

	h.bg.cancelAndWait()

	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, p := range []*ChunkPool{&h.available, &h.full, &h.empty, &h.bg.staged} {
		for c := p.Pop(); c != nil; c = p.Pop() {
			if err := h.os.Release(c.mem); err != nil {
				errs = append(errs, err)
				continue
			}
			h.stats.ChunksReleased++
		}
	}
	return errors.Join(errs...)
}
