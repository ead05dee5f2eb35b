package heap

import (
	"fmt"

	"github.com/joshuapare/cellheap/internal/osmem"
)

// CellIndex is the position of a cell within its arena. It is not an address.
type CellIndex uint16

// Cell is a handle to one allocated cell. A tenured cell lives in an arena;
// a nursery cell has no arena.
type Cell struct {
	arena *Arena
	index CellIndex
	buf   []byte
}

// NurseryCell wraps nursery-owned storage as a Cell.
func NurseryCell(buf []byte) Cell {
	return Cell{buf: buf}
}

// IsZero reports whether c is the zero Cell (no allocation).
func (c Cell) IsZero() bool { return c.buf == nil }

// Addr returns the cell's address, which is its identity.
func (c Cell) Addr() uintptr { return osmem.Addr(c.buf) }

// Bytes returns the cell's storage.
func (c Cell) Bytes() []byte { return c.buf }

// Size returns the cell size in bytes.
func (c Cell) Size() int { return len(c.buf) }

// IsTenured reports whether the cell lives in an arena.
func (c Cell) IsTenured() bool { return c.arena != nil }

// Arena returns the owning arena, or nil for a nursery cell.
func (c Cell) Arena() *Arena { return c.arena }

// Index returns the cell's index within its arena.
func (c Cell) Index() CellIndex { return c.index }

// IsMarkedBlack reports whether the collector has marked the cell.
// Nursery cells are never marked.
func (c Cell) IsMarkedBlack() bool {
	if c.arena == nil {
		return false
	}
	return c.arena.IsMarked(c.index)
}

func (c Cell) String() string {
	if c.arena == nil {
		return fmt.Sprintf("nursery cell %#x (%d bytes)", c.Addr(), len(c.buf))
	}
	return fmt.Sprintf("%s cell %#x [arena %#x #%d]", c.arena.kind, c.Addr(), c.arena.Addr(), c.index)
}
