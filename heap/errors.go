package heap

import "errors"

var (
	// ErrOutOfMemory indicates that no cell could be produced, even after a
	// last-ditch collection where one was allowed.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrNoFreeArena indicates a chunk was asked for an arena it does not have.
	ErrNoFreeArena = errors.New("heap: chunk has no free arenas")

	// ErrInvalidKind indicates an AllocKind outside the size-class table.
	ErrInvalidKind = errors.New("heap: invalid alloc kind")

	// ErrClosed indicates the heap has been torn down.
	ErrClosed = errors.New("heap: closed")

	// ErrArenaInUse indicates an attempt to release an arena that still holds
	// live cells or is installed in a free list.
	ErrArenaInUse = errors.New("heap: arena still in use")
)
