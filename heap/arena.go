package heap

import (
	"fmt"

	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/bitmap"
	"github.com/joshuapare/cellheap/internal/osmem"
)

// ArenaState is the lifecycle state of an arena.
type ArenaState uint8

const (
	// ArenaUnassigned: a free slot in its chunk, not owned by any zone.
	ArenaUnassigned ArenaState = iota
	// ArenaEmpty: assigned, no allocated cells.
	ArenaEmpty
	// ArenaAllocating: assigned, some cells allocated and some free.
	ArenaAllocating
	// ArenaFull: assigned, every cell allocated.
	ArenaFull
)

func (s ArenaState) String() string {
	switch s {
	case ArenaUnassigned:
		return "unassigned"
	case ArenaEmpty:
		return "empty"
	case ArenaAllocating:
		return "allocating"
	case ArenaFull:
		return "full"
	}
	return fmt.Sprintf("ArenaState(%d)", uint8(s))
}

// FreeSpan is a run of free cells [Start, End) inside one arena. The stride
// is the arena's cell size. The zero FreeSpan is empty.
type FreeSpan struct {
	Start CellIndex
	End   CellIndex
}

// IsEmpty reports whether the span holds no cells.
func (s FreeSpan) IsEmpty() bool { return s.Start >= s.End }

// Len returns the number of free cells in the span.
func (s FreeSpan) Len() int {
	if s.IsEmpty() {
		return 0
	}
	return int(s.End - s.Start)
}

// Arena is a fixed-size block of a chunk holding cells of one kind for one zone.
type Arena struct {
	chunk *Chunk
	slot  int
	mem   []byte

	zone *Zone
	kind kind.AllocKind

	// spans are the free spans not yet handed to a free list, lowest first.
	spans     []FreeSpan
	installed bool // a span of this arena is cached in the zone's free list

	allocBits *bitmap.Bitmap
	markBits  *bitmap.Bitmap
	allocated int
}

func (a *Arena) setup(c *Chunk, slot int) {
	a.chunk = c
	a.slot = slot
	a.mem = c.mem[slot*ArenaSize : (slot+1)*ArenaSize : (slot+1)*ArenaSize]
	a.allocBits = bitmap.New(maxCellsPerArena)
	a.markBits = bitmap.New(maxCellsPerArena)
	a.reset()
}

// init assigns the arena to zone z for kind k with a single span covering
// every cell. If premark is set every cell starts marked black.
func (a *Arena) init(z *Zone, k kind.AllocKind, premark bool) {
	n := k.CellsPerArena()
	a.zone = z
	a.kind = k
	a.spans = append(a.spans[:0], FreeSpan{Start: 0, End: CellIndex(n)})
	a.installed = false
	a.allocated = 0
	a.allocBits.ClearAll()
	a.markBits.ClearAll()
	if premark {
		a.markBits.SetRange(0, n)
	}
}

// reset returns the arena to the unassigned state and poisons its header.
func (a *Arena) reset() {
	a.zone = nil
	a.kind = kind.Invalid
	a.spans = a.spans[:0]
	a.installed = false
	a.allocated = 0
	a.allocBits.ClearAll()
	a.markBits.ClearAll()
}

// Addr returns the arena's start address.
func (a *Arena) Addr() uintptr { return osmem.Addr(a.mem) }

// Chunk returns the owning chunk.
func (a *Arena) Chunk() *Chunk { return a.chunk }

// Slot returns the arena's index within its chunk.
func (a *Arena) Slot() int { return a.slot }

// Zone returns the zone the arena is assigned to, or nil.
func (a *Arena) Zone() *Zone { return a.zone }

// Kind returns the arena's size class, or kind.Invalid when unassigned.
func (a *Arena) Kind() kind.AllocKind { return a.kind }

// IsAssigned reports whether the arena belongs to a zone.
func (a *Arena) IsAssigned() bool { return a.zone != nil }

// NumCells returns the number of cells the arena is laid out in.
func (a *Arena) NumCells() int {
	if !a.kind.IsValid() {
		return 0
	}
	return a.kind.CellsPerArena()
}

// Allocated returns the number of allocated cells.
func (a *Arena) Allocated() int { return a.allocated }

// State returns the arena's lifecycle state.
func (a *Arena) State() ArenaState {
	switch {
	case !a.IsAssigned():
		return ArenaUnassigned
	case a.allocated == 0:
		return ArenaEmpty
	case a.allocated == a.NumCells():
		return ArenaFull
	}
	return ArenaAllocating
}

// HasFreeSpans reports whether the arena has spans not yet handed to a free list.
func (a *Arena) HasFreeSpans() bool { return len(a.spans) > 0 }

// Spans returns a copy of the arena's uninstalled free spans.
func (a *Arena) Spans() []FreeSpan { return append([]FreeSpan(nil), a.spans...) }

// IsMarked reports whether cell i is marked black.
func (a *Arena) IsMarked(i CellIndex) bool { return a.markBits.IsSet(int(i)) }

// MarkBlack marks cell i.
func (a *Arena) MarkBlack(i CellIndex) { a.markBits.Set(int(i)) }

// ClearMarks unmarks every cell.
func (a *Arena) ClearMarks() { a.markBits.ClearAll() }

// NumMarked returns the number of cells marked black.
func (a *Arena) NumMarked() int { return a.markBits.Count() }

// IsAllocated reports whether cell i is allocated.
func (a *Arena) IsAllocated(i CellIndex) bool { return a.allocBits.IsSet(int(i)) }

// Contains reports whether addr lies inside the arena.
func (a *Arena) Contains(addr uintptr) bool {
	base := a.Addr()
	return addr >= base && addr < base+ArenaSize
}

// cellBytes returns the storage of cell i.
func (a *Arena) cellBytes(i CellIndex) []byte {
	size := a.kind.Size()
	off := int(i) * size
	return a.mem[off : off+size : off+size]
}

// takeSpan removes and returns the lowest uninstalled span.
func (a *Arena) takeSpan() (FreeSpan, bool) {
	if len(a.spans) == 0 {
		return FreeSpan{}, false
	}
	s := a.spans[0]
	copy(a.spans, a.spans[1:])
	a.spans = a.spans[:len(a.spans)-1]
	return s, true
}

// returnSpan puts a partially used span back at the front.
func (a *Arena) returnSpan(s FreeSpan) {
	if s.IsEmpty() {
		return
	}
	a.spans = append(a.spans, FreeSpan{})
	copy(a.spans[1:], a.spans)
	a.spans[0] = s
}

// allocCell records cell i as allocated and returns its handle.
func (a *Arena) allocCell(i CellIndex) Cell {
	if a.allocBits.IsSet(int(i)) {
		panic(fmt.Errorf("heap: double allocation of cell %d in arena %#x", i, a.Addr()))
	}
	a.allocBits.Set(int(i))
	a.allocated++
	return Cell{arena: a, index: i, buf: a.cellBytes(i)}
}

// Sweep frees every allocated cell that is not marked, clears all mark bits
// and rebuilds the free spans. It returns the number of live cells.
//
// The arena must not be installed in a free list; call Zone.PurgeFreeLists
// first.
func (a *Arena) Sweep() int {
	if a.installed {
		panic(fmt.Errorf("heap: sweeping arena %#x while installed in a free list", a.Addr()))
	}
	n := a.NumCells()
	for i := range n {
		if a.allocBits.IsSet(i) && !a.markBits.IsSet(i) {
			a.allocBits.Clear(i)
			a.allocated--
			clear(a.cellBytes(CellIndex(i)))
		}
	}
	a.markBits.ClearAll()

	a.spans = a.spans[:0]
	for start := a.allocBits.NextClear(0); start >= 0 && start < n; {
		end := a.allocBits.NextSet(start)
		if end < 0 || end > n {
			end = n
		}
		a.spans = append(a.spans, FreeSpan{Start: CellIndex(start), End: CellIndex(end)})
		if end >= n {
			break
		}
		start = a.allocBits.NextClear(end)
	}
	return a.allocated
}

// CellAt returns the handle of allocated cell i.
func (a *Arena) CellAt(i CellIndex) (Cell, bool) {
	if int(i) >= a.NumCells() || !a.allocBits.IsSet(int(i)) {
		return Cell{}, false
	}
	return Cell{arena: a, index: i, buf: a.cellBytes(i)}, true
}

// EachCell calls fn for every allocated cell in index order.
func (a *Arena) EachCell(fn func(Cell)) {
	n := a.NumCells()
	for i := a.allocBits.FirstSet(); i >= 0 && i < n; i = a.allocBits.NextSet(i + 1) {
		fn(Cell{arena: a, index: CellIndex(i), buf: a.cellBytes(CellIndex(i))})
	}
}
