package heap

import (
	"fmt"

	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/bitmap"
	"github.com/joshuapare/cellheap/internal/logger"
	"github.com/joshuapare/cellheap/internal/osmem"
)

// Chunk is a ChunkSize block of OS memory split into ArenasPerChunk arenas.
//
// Every arena slot is in exactly one of three states:
//
//	in use          assigned to a zone
//	free committed  free, its page is backed
//	decommitted     free, its page has been handed back to the OS
//
// so that numArenasFreeCommitted <= numArenasFree <= ArenasPerChunk.
// Metadata is mutated under the heap lock, except while a freshly allocated
// chunk is still private to the goroutine that obtained it.
type Chunk struct {
	mem    []byte
	arenas [ArenasPerChunk]Arena

	decommittedPages    *bitmap.Bitmap // PagesPerChunk bits
	freeCommittedArenas *bitmap.Bitmap // ArenasPerChunk bits

	numArenasFree          int
	numArenasFreeCommitted int

	// pool membership; see ChunkPool.
	prev, next *Chunk
	pool       *ChunkPool

	poisoned bool
}

// poisonCount is stored in the counters of a recycled chunk.
const poisonCount = -0x5A5A

// newChunk wraps a freshly reserved region. The caller owns the chunk
// exclusively until it is pushed to a pool.
func newChunk(mem []byte) *Chunk {
	if len(mem) != ChunkSize {
		panic(fmt.Errorf("heap: chunk memory is %d bytes, want %d", len(mem), ChunkSize))
	}
	if osmem.Addr(mem)%ChunkSize != 0 {
		panic(fmt.Errorf("heap: chunk memory %#x is not chunk aligned", osmem.Addr(mem)))
	}
	c := &Chunk{
		mem:                 mem,
		decommittedPages:    bitmap.New(PagesPerChunk),
		freeCommittedArenas: bitmap.New(ArenasPerChunk),
	}
	for i := range c.arenas {
		c.arenas[i].setup(c, i)
	}
	c.initFresh()
	return c
}

// initFresh marks every page decommitted. Fresh mappings have never been
// touched, so no OS call is needed; pages are committed lazily one at a time
// as arenas are handed out.
func (c *Chunk) initFresh() {
	c.decommittedPages.SetAll()
	c.freeCommittedArenas.ClearAll()
	c.numArenasFree = ArenasPerChunk
	c.numArenasFreeCommitted = 0
	c.poisoned = false
}

// reinit restores the metadata of a recycled chunk taken from the empty pool.
// Page commit state survives recycling, so no OS call is needed.
func (c *Chunk) reinit() {
	c.freeCommittedArenas.ClearAll()
	committed := 0
	for page := range PagesPerChunk {
		if c.decommittedPages.IsSet(page) {
			continue
		}
		first := page * ArenasPerPage
		c.freeCommittedArenas.SetRange(first, first+ArenasPerPage)
		committed += ArenasPerPage
	}
	for i := range c.arenas {
		c.arenas[i].reset()
	}
	c.numArenasFree = ArenasPerChunk
	c.numArenasFreeCommitted = committed
	c.poisoned = false
}

// poison scribbles over the metadata of a chunk entering the empty pool so a
// stale reference to it fails loudly. The page bitmap is kept for reinit.
func (c *Chunk) poison() {
	for i := range c.arenas {
		c.arenas[i].reset()
	}
	c.freeCommittedArenas.ClearAll()
	c.numArenasFree = poisonCount
	c.numArenasFreeCommitted = poisonCount
	c.poisoned = true
}

// Addr returns the chunk's start address.
func (c *Chunk) Addr() uintptr { return osmem.Addr(c.mem) }

// NumArenasFree returns the number of free arena slots.
func (c *Chunk) NumArenasFree() int { return c.numArenasFree }

// NumArenasFreeCommitted returns the number of free arena slots whose page is backed.
func (c *Chunk) NumArenasFreeCommitted() int { return c.numArenasFreeCommitted }

// NumArenasInUse returns the number of assigned arenas.
func (c *Chunk) NumArenasInUse() int { return ArenasPerChunk - c.numArenasFree }

// NumDecommittedPages returns the number of pages handed back to the OS.
func (c *Chunk) NumDecommittedPages() int { return c.decommittedPages.Count() }

// HasFreeArenas reports whether any arena slot is free.
func (c *Chunk) HasFreeArenas() bool { return c.numArenasFree > 0 }

// IsEmpty reports whether every arena slot is free.
func (c *Chunk) IsEmpty() bool { return c.numArenasFree == ArenasPerChunk }

// IsFull reports whether no arena slot is free.
func (c *Chunk) IsFull() bool { return c.numArenasFree == 0 }

// IsPoisoned reports whether the chunk sits recycled in the empty pool.
func (c *Chunk) IsPoisoned() bool { return c.poisoned }

// Arena returns the arena in slot i.
func (c *Chunk) Arena(i int) *Arena { return &c.arenas[i] }

// Pool returns the pool the chunk is a member of, or nil.
func (c *Chunk) Pool() *ChunkPool { return c.pool }

func (c *Chunk) pageBytes(page int) []byte {
	return c.mem[page*PageSize : (page+1)*PageSize]
}

// commitOnePage backs the lowest decommitted page and makes its arenas free
// committed. Decommitted pages only ever hold free arenas.
func (c *Chunk) commitOnePage(src osmem.Source) error {
	page := c.decommittedPages.FirstSet()
	if page < 0 {
		return fmt.Errorf("%w: no decommitted page in chunk %#x", ErrNoFreeArena, c.Addr())
	}
	if err := src.MarkPagesInUse(c.pageBytes(page)); err != nil {
		return fmt.Errorf("heap: commit page %d of chunk %#x: %w", page, c.Addr(), err)
	}
	c.decommittedPages.Clear(page)
	first := page * ArenasPerPage
	c.freeCommittedArenas.SetRange(first, first+ArenasPerPage)
	c.numArenasFreeCommitted += ArenasPerPage
	return nil
}

// allocateArena hands out the lowest free committed arena, committing one
// more page first if none is available. Pool membership is the caller's job.
func (c *Chunk) allocateArena(src osmem.Source, z *Zone, k kind.AllocKind, premark bool) (*Arena, error) {
	if !c.HasFreeArenas() {
		return nil, fmt.Errorf("%w: chunk %#x", ErrNoFreeArena, c.Addr())
	}
	if c.numArenasFreeCommitted == 0 {
		if err := c.commitOnePage(src); err != nil {
			return nil, err
		}
	}
	slot := c.freeCommittedArenas.FirstSet()
	if slot < 0 {
		panic(fmt.Errorf("heap: chunk %#x counts %d free committed arenas but bitmap is empty",
			c.Addr(), c.numArenasFreeCommitted))
	}
	c.freeCommittedArenas.Clear(slot)
	c.numArenasFree--
	c.numArenasFreeCommitted--

	a := &c.arenas[slot]
	a.init(z, k, premark)
	return a, nil
}

// releaseArena returns an arena slot to the chunk as free committed.
func (c *Chunk) releaseArena(a *Arena) {
	if a.chunk != c || !a.IsAssigned() {
		panic(fmt.Errorf("heap: releasing arena %#x not assigned from chunk %#x", a.Addr(), c.Addr()))
	}
	clear(a.mem)
	a.reset()
	c.freeCommittedArenas.Set(a.slot)
	c.numArenasFree++
	c.numArenasFreeCommitted++
}

// DecommitFreeArenas hands back every committed page whose arenas are all
// free. It is idempotent: already decommitted pages are skipped. It returns
// the number of pages decommitted by this call.
func (c *Chunk) DecommitFreeArenas(src osmem.Source) (int, error) {
	decommitted := 0
	for page := range PagesPerChunk {
		if c.decommittedPages.IsSet(page) {
			continue
		}
		first := page * ArenasPerPage
		if c.freeCommittedArenas.CountRange(first, first+ArenasPerPage) != ArenasPerPage {
			continue
		}
		if err := src.MarkPagesUnused(c.pageBytes(page)); err != nil {
			return decommitted, fmt.Errorf("heap: decommit page %d of chunk %#x: %w", page, c.Addr(), err)
		}
		c.freeCommittedArenas.ClearRange(first, first+ArenasPerPage)
		c.decommittedPages.Set(page)
		c.numArenasFreeCommitted -= ArenasPerPage
		decommitted++
	}
	if decommitted > 0 {
		logger.Debug("decommitted chunk pages", "chunk", fmt.Sprintf("%#x", c.Addr()), "pages", decommitted)
	}
	return decommitted, nil
}

// DecommitAllArenas decommits every page of an empty chunk. Calling it again
// leaves the bitmaps unchanged and the free committed count at zero.
func (c *Chunk) DecommitAllArenas(src osmem.Source) error {
	if !c.poisoned && !c.IsEmpty() {
		return fmt.Errorf("%w: chunk %#x has %d arenas in use", ErrArenaInUse, c.Addr(), c.NumArenasInUse())
	}
	if c.poisoned {
		// Recycled chunks keep committed pages implicitly free.
		for page := range PagesPerChunk {
			if c.decommittedPages.IsSet(page) {
				continue
			}
			if err := src.MarkPagesUnused(c.pageBytes(page)); err != nil {
				return fmt.Errorf("heap: decommit page %d of chunk %#x: %w", page, c.Addr(), err)
			}
			c.decommittedPages.Set(page)
		}
		return nil
	}
	_, err := c.DecommitFreeArenas(src)
	return err
}

// Verify checks the chunk's counters against its bitmaps and arena headers.
func (c *Chunk) Verify() error {
	if c.poisoned {
		if c.numArenasFree != poisonCount || c.freeCommittedArenas.Count() != 0 {
			return fmt.Errorf("heap: recycled chunk %#x has live metadata", c.Addr())
		}
		for i := range c.arenas {
			if c.arenas[i].IsAssigned() {
				return fmt.Errorf("heap: recycled chunk %#x has assigned arena %d", c.Addr(), i)
			}
		}
		return nil
	}
	if c.numArenasFreeCommitted < 0 || c.numArenasFreeCommitted > c.numArenasFree ||
		c.numArenasFree > ArenasPerChunk {
		return fmt.Errorf("heap: chunk %#x counters out of order: freeCommitted=%d free=%d total=%d",
			c.Addr(), c.numArenasFreeCommitted, c.numArenasFree, ArenasPerChunk)
	}
	inUse := 0
	for i := range c.arenas {
		a := &c.arenas[i]
		page := i / ArenasPerPage
		freeCommitted := c.freeCommittedArenas.IsSet(i)
		decommitted := c.decommittedPages.IsSet(page)
		switch {
		case a.IsAssigned():
			inUse++
			if freeCommitted || decommitted {
				return fmt.Errorf("heap: chunk %#x arena %d is assigned but marked free", c.Addr(), i)
			}
		case decommitted && freeCommitted:
			return fmt.Errorf("heap: chunk %#x arena %d is both decommitted and free committed", c.Addr(), i)
		case !decommitted && !freeCommitted:
			return fmt.Errorf("heap: chunk %#x arena %d is unassigned but not free", c.Addr(), i)
		}
	}
	if c.numArenasFree+inUse != ArenasPerChunk {
		return fmt.Errorf("heap: chunk %#x partition broken: free=%d inUse=%d total=%d",
			c.Addr(), c.numArenasFree, inUse, ArenasPerChunk)
	}
	if got := c.freeCommittedArenas.Count(); got != c.numArenasFreeCommitted {
		return fmt.Errorf("heap: chunk %#x free committed bitmap has %d bits, counter says %d",
			c.Addr(), got, c.numArenasFreeCommitted)
	}
	return nil
}
