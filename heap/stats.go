package heap

import (
	"errors"
	"fmt"
)

// Stats is a snapshot of the heap's counters.
type Stats struct {
	AvailableChunks int
	FullChunks      int
	EmptyChunks     int
	StagedChunks    int

	ChunksFromOS     int
	ChunksReleased   int
	BackgroundStarts int
	BackgroundChunks int

	ArenasAllocated int
	ArenasReleased  int
	ArenasInUse     int

	// CommittedBytes counts backed pages across all chunks the heap holds.
	CommittedBytes int64

	MinorCollections     int
	LastDitchCollections int
	LastDitchSuppressed  int
	OutOfMemory          int
}

// Stats returns a snapshot of the heap's counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stats
	s.AvailableChunks = h.available.Len()
	s.FullChunks = h.full.Len()
	s.EmptyChunks = h.empty.Len()
	s.StagedChunks = h.bg.staged.Len()
	s.ArenasInUse = 0
	h.available.Each(func(c *Chunk) { s.ArenasInUse += c.NumArenasInUse() })
	s.ArenasInUse += h.full.Len() * ArenasPerChunk
	s.CommittedBytes = 0
	for _, p := range []*ChunkPool{&h.available, &h.full, &h.empty, &h.bg.staged} {
		p.Each(func(c *Chunk) {
			s.CommittedBytes += int64(PagesPerChunk-c.NumDecommittedPages()) * PageSize
		})
	}
	return s
}

// Verify checks the heap's structural invariants: pool links, per-chunk
// metadata, which pool each chunk may sit in, and that every arena a zone
// lists is assigned to that zone. It is meant for tests and debugging.
func (h *Heap) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	check := func(p *ChunkPool, ok func(*Chunk) bool, rule string) {
		if err := p.verify(); err != nil {
			errs = append(errs, err)
			return
		}
		p.Each(func(c *Chunk) {
			if err := c.Verify(); err != nil {
				errs = append(errs, err)
			}
			if !ok(c) {
				errs = append(errs, fmt.Errorf("heap: chunk %#x in %s pool: %s", c.Addr(), p.name, rule))
			}
		})
	}
	check(&h.available, func(c *Chunk) bool { return !c.poisoned && c.HasFreeArenas() },
		"want unpoisoned with free arenas")
	check(&h.full, func(c *Chunk) bool { return !c.poisoned && c.IsFull() },
		"want full")
	check(&h.empty, func(c *Chunk) bool { return c.poisoned || c.IsEmpty() },
		"want no arenas in use")
	check(&h.bg.staged, func(c *Chunk) bool { return !c.poisoned && c.IsEmpty() },
		"want fresh")

	for _, z := range h.zones {
		for k := range z.arenaLists {
			for _, a := range z.arenaLists[k].arenas {
				if a.zone != z || int(a.kind) != k {
					errs = append(errs, fmt.Errorf("heap: zone %q lists arena %#x owned by another zone or kind", z.name, a.Addr()))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// SlotState is the state of one arena slot in a ChunkSnapshot.
type SlotState uint8

const (
	// SlotInUse is an arena assigned to a zone.
	SlotInUse SlotState = iota
	// SlotFreeCommitted is a free arena whose page is backed.
	SlotFreeCommitted
	// SlotDecommitted is a free arena whose page was handed back to the OS.
	SlotDecommitted
)

// ChunkSnapshot describes one chunk for diagnostics.
type ChunkSnapshot struct {
	Addr     uintptr
	Pool     string
	Poisoned bool
	Slots    [ArenasPerChunk]SlotState
}

// InUse returns the number of in-use slots.
func (s *ChunkSnapshot) InUse() int {
	n := 0
	for _, st := range s.Slots {
		if st == SlotInUse {
			n++
		}
	}
	return n
}

// Chunks returns a snapshot of every chunk the heap holds, pool by pool.
func (h *Heap) Chunks() []ChunkSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []ChunkSnapshot
	for _, p := range []*ChunkPool{&h.available, &h.full, &h.empty, &h.bg.staged} {
		p.Each(func(c *Chunk) {
			s := ChunkSnapshot{Addr: c.Addr(), Pool: p.name, Poisoned: c.poisoned}
			for i := range c.arenas {
				page := i / ArenasPerPage
				switch {
				case c.decommittedPages.IsSet(page):
					s.Slots[i] = SlotDecommitted
				case c.poisoned || c.freeCommittedArenas.IsSet(i):
					s.Slots[i] = SlotFreeCommitted
				default:
					s.Slots[i] = SlotInUse
				}
			}
			out = append(out, s)
		})
	}
	return out
}
