package heap

import (
	"sync/atomic"

	"github.com/joshuapare/cellheap/heap/kind"
)

// ZoneHeapSize holds a zone's allocation counters. They feed collection
// scheduling only; the allocator's correctness never depends on them.
type ZoneHeapSize struct {
	gcBytes       atomic.Int64
	arenas        atomic.Int64
	tenuredAllocs atomic.Int64
}

// AddArena accounts for a newly assigned arena of the given size.
func (s *ZoneHeapSize) AddArena(bytes int) {
	s.arenas.Add(1)
	s.gcBytes.Add(int64(bytes))
}

// RemoveArena accounts for an arena returned to its chunk.
func (s *ZoneHeapSize) RemoveArena(bytes int) {
	s.arenas.Add(-1)
	s.gcBytes.Add(-int64(bytes))
}

// NoteTenuredAlloc counts one tenured cell allocation.
func (s *ZoneHeapSize) NoteTenuredAlloc() { s.tenuredAllocs.Add(1) }

// GCBytes returns the bytes of arenas held by the zone.
func (s *ZoneHeapSize) GCBytes() int64 { return s.gcBytes.Load() }

// Arenas returns the number of arenas held by the zone.
func (s *ZoneHeapSize) Arenas() int64 { return s.arenas.Load() }

// TenuredAllocs returns the number of tenured cells allocated so far.
func (s *ZoneHeapSize) TenuredAllocs() int64 { return s.tenuredAllocs.Load() }

// Zone is an allocation and collection domain. It owns one free list and one
// arena list per size class. A zone is used by one goroutine at a time.
type Zone struct {
	name string
	heap *Heap

	freeLists  [kind.Count]FreeList
	arenaLists [kind.Count]ArenaList

	nurseryKinds [kind.NumTraceKinds]bool

	Size ZoneHeapSize
}

// Name returns the zone's name.
func (z *Zone) Name() string { return z.name }

// Heap returns the heap the zone allocates from.
func (z *Zone) Heap() *Heap { return z.heap }

// SetNurseryAllocation allows or forbids nursery allocation of trace kind t.
func (z *Zone) SetNurseryAllocation(t kind.TraceKind, allowed bool) {
	z.nurseryKinds[t] = allowed
}

// AllowsNurseryAllocation reports whether cells of trace kind t may be born in the nursery.
func (z *Zone) AllowsNurseryAllocation(t kind.TraceKind) bool {
	return t < kind.NumTraceKinds && z.nurseryKinds[t]
}

// FreeList returns the zone's free list for k.
func (z *Zone) FreeList(k kind.AllocKind) *FreeList { return &z.freeLists[k] }

// Arenas returns a snapshot of the zone's arenas for k.
func (z *Zone) Arenas(k kind.AllocKind) []*Arena { return z.arenaLists[k].Arenas() }

// NumArenas returns the number of arenas the zone holds for k.
func (z *Zone) NumArenas(k kind.AllocKind) int { return z.arenaLists[k].Len() }

// PurgeFreeLists hands every cached span back to its arena and rewinds the
// arena lists. The collector calls this before sweeping.
func (z *Zone) PurgeFreeLists() {
	for k := range z.freeLists {
		z.freeLists[k].purge()
		z.arenaLists[k].rewind()
	}
}
