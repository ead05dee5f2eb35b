// Package nursery implements a bump-pointer young generation for the heap.
//
// Cells are carved off a single contiguous buffer in allocation order. There
// is no per-cell free: the whole buffer is reset by a minor collection, after
// the optional evacuation hook has copied survivors into the tenured heap.
package nursery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/cellheap/heap"
	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/logger"
	"github.com/joshuapare/cellheap/internal/osmem"
)

var (
	// ErrBadCapacity indicates a nursery size that is not positive.
	ErrBadCapacity = errors.New("nursery: capacity must be positive")

	// ErrClosed indicates the nursery's buffer has been released.
	ErrClosed = errors.New("nursery: closed")
)

// Evacuator is called at the start of a minor collection with every cell
// allocated since the previous one. It copies survivors elsewhere; anything it
// does not copy is dropped when the buffer is reset. It runs with the nursery
// locked and must only allocate tenured cells.
type Evacuator func(reason heap.Reason, cells []heap.Cell)

// Stats is a snapshot of the nursery counters.
type Stats struct {
	Capacity    int
	Used        int
	Allocs      int64
	Failures    int64
	Collections int64
}

// Nursery is a bump allocator over one buffer. It is safe for use by several
// zones at once.
type Nursery struct {
	src osmem.Source
	buf []byte

	mu        sync.Mutex
	endBlocks int // next free offset
	enabled   bool
	live      []heap.Cell
	evacuate  Evacuator

	allocs      int64
	failures    int64
	collections int64
}

// New reserves a nursery of at least capacity bytes from src. The capacity is
// rounded up to a whole number of chunks.
func New(src osmem.Source, capacity int) (*Nursery, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrBadCapacity, capacity)
	}
	size := osmem.AlignUp(capacity, heap.ChunkSize)
	buf, err := src.ReserveAndCommit(size, heap.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("nursery: reserve %d bytes: %w", size, err)
	}
	logger.Debug("nursery reserved", "bytes", size)
	return &Nursery{src: src, buf: buf, enabled: true}, nil
}

// SetEvacuator installs the hook run by MinorCollect.
func (n *Nursery) SetEvacuator(fn Evacuator) {
	n.mu.Lock()
	n.evacuate = fn
	n.mu.Unlock()
}

// Enable turns nursery allocation on or off. A disabled nursery refuses every
// request and never asks for a minor collection.
func (n *Nursery) Enable(on bool) {
	n.mu.Lock()
	n.enabled = on
	n.mu.Unlock()
}

// Enabled reports whether the nursery accepts allocations.
func (n *Nursery) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled && n.buf != nil
}

// TryAllocate bumps the pointer by the cell size of k.
func (n *Nursery) TryAllocate(k kind.AllocKind, _ kind.TraceKind, _ *heap.Zone) (heap.Cell, bool) {
	size := k.Size()

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled || n.buf == nil || n.endBlocks+size > len(n.buf) {
		n.failures++
		return heap.Cell{}, false
	}
	off := n.endBlocks
	n.endBlocks += size
	n.allocs++

	c := heap.NurseryCell(n.buf[off : off+size : off+size])
	n.live = append(n.live, c)
	return c, true
}

// HandleAllocationFailure asks for a minor collection when one would free
// the buffer.
func (n *Nursery) HandleAllocationFailure() heap.NurseryFailure {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled || n.buf == nil || n.endBlocks == 0 {
		return heap.NurseryOK
	}
	return heap.NeedMinorGC
}

// MinorCollect evacuates and resets the buffer.
func (n *Nursery) MinorCollect(reason heap.Reason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.buf == nil {
		return
	}
	if n.evacuate != nil && len(n.live) > 0 {
		n.evacuate(reason, n.live)
	}
	used := n.endBlocks
	clear(n.buf[:used])
	n.endBlocks = 0
	n.live = n.live[:0]
	n.collections++
	logger.Debug("minor collection", "reason", string(reason), "bytes", used)
}

// Stats returns a snapshot of the counters.
func (n *Nursery) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		Capacity:    len(n.buf),
		Used:        n.endBlocks,
		Allocs:      n.allocs,
		Failures:    n.failures,
		Collections: n.collections,
	}
}

// Close releases the buffer. Cells handed out earlier must not be used.
func (n *Nursery) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.buf == nil {
		return ErrClosed
	}
	err := n.src.Release(n.buf)
	n.buf = nil
	n.live = nil
	n.endBlocks = 0
	return err
}
