// Package collector is a root-set mark/sweep collector for the tenured heap.
//
// Reachability is not traced through cell contents: a cell is live when it is
// registered as a root, or when it was allocated while a collection was in
// progress (the heap marks those cells black). Everything else is freed by
// the next sweep.
//
// Collections run in slices on the allocating goroutine. A full collection
// runs every slice back to back. Both assume no other goroutine is allocating
// from the zones being swept.
package collector

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/cellheap/heap"
	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/logger"
)

// ErrNotTenured indicates a root that does not live in an arena.
var ErrNotTenured = errors.New("collector: root is not a tenured cell")

// Phase is the collector's incremental state.
type Phase int32

const (
	// Idle means no collection is in progress.
	Idle Phase = iota
	// Marking means roots are being marked; new cells are allocated black.
	Marking
	// Sweeping means the next slice frees unmarked cells.
	Sweeping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Marking:
		return "marking"
	case Sweeping:
		return "sweeping"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Options configures the collector.
type Options struct {
	// TriggerBytes is how much the zones' arena bytes may grow after a
	// collection before the allocator starts an incremental one. Zero
	// disables allocation-triggered collections.
	TriggerBytes int64
}

// DefaultOptions returns the default trigger.
func DefaultOptions() Options {
	return Options{TriggerBytes: 8 << 20}
}

// Stats is a snapshot of the collector counters.
type Stats struct {
	FullCollections  int
	Slices           int
	ArenasSwept      int
	ArenasReleased   int
	CellsFreed       int
	ChunksReleased   int
	PagesDecommitted int
}

// Collector implements heap.Collector.
type Collector struct {
	h    *heap.Heap
	opts Options

	phase atomic.Int32

	// mu serializes slices. The allocator's fast-path queries only read phase.
	mu          sync.Mutex
	roots       map[uintptr]heap.Cell
	nextTrigger int64
	stats       Stats
}

// New creates a collector and attaches it to h.
func New(h *heap.Heap, opts Options) *Collector {
	c := &Collector{
		h:           h,
		opts:        opts,
		roots:       make(map[uintptr]heap.Cell),
		nextTrigger: opts.TriggerBytes,
	}
	h.SetCollector(c)
	return c
}

// Phase returns the current phase.
func (c *Collector) Phase() Phase { return Phase(c.phase.Load()) }

// AddRoot keeps cell alive across collections. A root added while a
// collection is in progress is marked at once, since its marking slice may
// already have run.
func (c *Collector) AddRoot(cell heap.Cell) error {
	if !cell.IsTenured() {
		return fmt.Errorf("%w: %s", ErrNotTenured, cell)
	}
	c.mu.Lock()
	c.roots[cell.Addr()] = cell
	if c.Phase() != Idle {
		cell.Arena().MarkBlack(cell.Index())
	}
	c.mu.Unlock()
	return nil
}

// RemoveRoot drops a root. The cell is freed by the next sweep unless it is
// re-added.
func (c *Collector) RemoveRoot(cell heap.Cell) {
	c.mu.Lock()
	delete(c.roots, cell.Addr())
	c.mu.Unlock()
}

// NumRoots returns the number of registered roots.
func (c *Collector) NumRoots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.roots)
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// IsMarkingOrSweeping implements heap.Collector. Every zone is collected
// together, so z is not consulted.
func (c *Collector) IsMarkingOrSweeping(*heap.Zone) bool {
	return c.Phase() != Idle
}

// MarkBlack implements heap.Collector.
func (c *Collector) MarkBlack(cell heap.Cell) {
	if a := cell.Arena(); a != nil {
		a.MarkBlack(cell.Index())
	}
}

// MaybeTriggerIncrementalSlice implements heap.Collector. It starts an
// incremental collection once the heap has grown past the trigger, and
// otherwise advances one already in progress. A slice already running on
// another goroutine makes this a no-op, as does a zero trigger.
func (c *Collector) MaybeTriggerIncrementalSlice(*heap.Zone) {
	if c.opts.TriggerBytes <= 0 || !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()

	if c.Phase() == Idle {
		if c.heapBytes() < c.nextTrigger {
			return
		}
		logger.Debug("starting incremental collection", "reason", string(heap.ReasonAllocTrigger))
	}
	c.stepLocked()
}

// StartIncremental begins a collection without waiting for the trigger.
func (c *Collector) StartIncremental() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Phase() == Idle {
		c.stepLocked()
	}
}

// Step runs one slice and returns the phase it left the collector in.
func (c *Collector) Step() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepLocked()
	return c.Phase()
}

// FullCollect implements heap.Collector. It finishes any incremental
// collection in progress, or runs a whole one, in a single call.
func (c *Collector) FullCollect(opts heap.CollectOptions, reason heap.Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.stats
	if c.Phase() == Idle {
		c.stepLocked()
	}
	for c.Phase() != Idle {
		c.stepLocked()
	}
	c.stats.FullCollections++

	if opts.Shrink {
		c.shrinkLocked()
	}
	logger.Info("full collection",
		"reason", string(reason),
		"cells_freed", c.stats.CellsFreed-before.CellsFreed,
		"arenas_released", c.stats.ArenasReleased-before.ArenasReleased,
		"chunks_released", c.stats.ChunksReleased-before.ChunksReleased)
}

// Collect runs a full non-incremental collection.
func (c *Collector) Collect(shrink bool) {
	c.FullCollect(heap.CollectOptions{NonIncremental: true, Shrink: shrink}, heap.ReasonAPI)
}

func (c *Collector) stepLocked() {
	c.stats.Slices++
	switch c.Phase() {
	case Idle:
		c.clearMarks()
		c.phase.Store(int32(Marking))
		c.markRoots()
	case Marking:
		// Roots may have been added since the first slice.
		c.markRoots()
		c.phase.Store(int32(Sweeping))
	case Sweeping:
		c.sweep()
		c.dropFreedRoots()
		c.phase.Store(int32(Idle))
		c.nextTrigger = c.heapBytes() + c.opts.TriggerBytes
	}
}

// clearMarks unmarks every arena so marks left over from an earlier cycle,
// or from a pre-marked arena handed out as that cycle ended, keep nothing
// alive.
func (c *Collector) clearMarks() {
	for _, z := range c.h.Zones() {
		for _, k := range kind.All() {
			for _, a := range z.Arenas(k) {
				a.ClearMarks()
			}
		}
	}
}

// dropFreedRoots forgets roots whose cell the sweep freed, so a later cycle
// cannot mark a slot that now belongs to someone else.
func (c *Collector) dropFreedRoots() {
	for addr, cell := range c.roots {
		a := cell.Arena()
		if a.IsAssigned() && a.IsAllocated(cell.Index()) {
			continue
		}
		logger.Warn("dropping freed root", "cell", cell.String())
		delete(c.roots, addr)
	}
}

func (c *Collector) markRoots() {
	for _, cell := range c.roots {
		cell.Arena().MarkBlack(cell.Index())
	}
}

// sweep frees unmarked cells in every zone and hands empty arenas back to
// their chunks.
func (c *Collector) sweep() {
	for _, z := range c.h.Zones() {
		z.PurgeFreeLists()
		for _, k := range kind.All() {
			for _, a := range z.Arenas(k) {
				before := a.Allocated()
				live := a.Sweep()
				c.stats.ArenasSwept++
				c.stats.CellsFreed += before - live
				if live > 0 {
					continue
				}
				if err := c.h.ReleaseArena(a); err != nil {
					logger.Error("release swept arena", "zone", z.Name(), "kind", k.String(), "error", err)
					continue
				}
				c.stats.ArenasReleased++
			}
		}
	}
}

func (c *Collector) shrinkLocked() {
	n, err := c.h.ShrinkEmptyChunks()
	c.stats.ChunksReleased += n
	if err != nil {
		logger.Warn("shrink empty chunks", "error", err)
	}
	pages, err := c.h.DecommitFreeArenas()
	c.stats.PagesDecommitted += pages
	if err != nil {
		logger.Warn("decommit free arenas", "error", err)
	}
}

func (c *Collector) heapBytes() int64 {
	var total int64
	for _, z := range c.h.Zones() {
		total += z.Size.GCBytes()
	}
	return total
}
