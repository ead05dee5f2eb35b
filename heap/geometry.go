package heap

import "github.com/joshuapare/cellheap/heap/kind"

const (
	// ArenaSize is the size of one arena.
	ArenaSize = kind.ArenaSize

	// ChunkSize is the size and alignment of one chunk.
	ChunkSize = 1 << 20

	// ArenasPerChunk is the number of arena slots in a chunk.
	ArenasPerChunk = ChunkSize / ArenaSize

	// PageSize is the unit in which chunk memory is committed and decommitted.
	// It is a multiple of every supported OS page size.
	PageSize = 64 << 10

	// ArenasPerPage is the number of arenas committed together.
	ArenasPerPage = PageSize / ArenaSize

	// PagesPerChunk is the number of commit pages in a chunk.
	PagesPerChunk = ChunkSize / PageSize

	// maxCellsPerArena bounds per-arena bitmaps (smallest cell is 16 bytes).
	maxCellsPerArena = ArenaSize / kind.CellAlignBytes
)
