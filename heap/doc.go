// Package heap implements the tenured tiers of a generational, incrementally
// collected cell heap: chunks obtained from the OS, arenas carved out of
// chunks, and per-zone free lists carved out of arenas.
//
// # Overview
//
// An allocation request names a Zone and an AllocKind (size class). The Heap
// routes it through these tiers, cheapest first:
//
//	nursery (optional, external)
//	  -> zone free list            O(1), lock free, single owner
//	  -> zone arena list refill    reuse an arena with free spans
//	  -> chunk -> arena            heap lock, first-fit slot, page commit
//	  -> chunk pools               available, then empty, then the OS
//	  -> last-ditch collection     one full shrinking GC, one retry
//	  -> ErrOutOfMemory
//
// # Geometry
//
//	Chunk:  1 MiB, chunk aligned, ArenasPerChunk arena slots
//	Page:   64 KiB commit unit, ArenasPerPage arenas
//	Arena:  4 KiB, cells of one kind (see package kind)
//
// Chunk metadata (bitmaps, counters, arena headers) lives in Go structures
// next to the chunk, so every byte of an arena is cell storage.
//
// # Free spans
//
// Free cells are tracked as arena-relative index ranges (FreeSpan) rather
// than links threaded through the free cells. A zone's FreeList caches the
// current span of the arena it is allocating from.
//
// # Collector contract
//
// While the Collector reports a zone as marking or sweeping, freshly
// populated arenas are pre-marked and every tenured allocation is marked
// black, so the collector never sees an unmarked cell that was allocated
// during the cycle.
//
// # Thread Safety
//
// Chunk pools, chunk metadata and the background allocation task are guarded
// by one heap-wide mutex. A Zone's free lists and arena lists are owned by a
// single goroutine at a time; different zones may allocate concurrently.
//
// # Related Packages
//
//   - github.com/joshuapare/cellheap/heap/kind: size classes
//   - github.com/joshuapare/cellheap/heap/nursery: bump-pointer nursery
//   - github.com/joshuapare/cellheap/heap/collector: root-set mark/sweep collector
//   - github.com/joshuapare/cellheap/internal/osmem: OS memory primitives
package heap
