// Package osmem provides the OS memory primitives the heap builds chunks from.
//
// Regions handed out by a Source move between two states:
//
//   - in use: backed by memory and safe to read and write
//   - unused: still reserved, but the OS may drop the backing pages; contents
//     are undefined until the range is marked in use again
//
// ReserveAndCommit returns a region that is in use. MarkPagesUnused and
// MarkPagesInUse move page-aligned sub-ranges between the two states, and
// Release returns the whole region to the OS.
package osmem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"
)

var (
	// ErrExhausted indicates the OS (or a budget) refused to supply more memory.
	ErrExhausted = errors.New("osmem: memory exhausted")

	// ErrBadAlignment indicates a size or alignment that is not a power-of-two
	// multiple of the page size.
	ErrBadAlignment = errors.New("osmem: bad size or alignment")

	// ErrNotOwned indicates a Release of a region the source did not hand out.
	ErrNotOwned = errors.New("osmem: region not owned by source")
)

// Source supplies and manages page-aligned memory regions.
type Source interface {
	// ReserveAndCommit returns a region of size bytes whose start address is a
	// multiple of alignment. The region is zeroed and in use.
	ReserveAndCommit(size, alignment int) ([]byte, error)

	// MarkPagesUnused tells the OS the pages in b are not needed.
	MarkPagesUnused(b []byte) error

	// MarkPagesInUse makes the pages in b usable again after MarkPagesUnused.
	MarkPagesInUse(b []byte) error

	// Release returns a region obtained from ReserveAndCommit to the OS.
	Release(b []byte) error
}

var pageSize = os.Getpagesize()

// PageSize returns the OS page size.
func PageSize() int { return pageSize }

// AlignUp returns n rounded up to a multiple of align (a power of two).
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Addr returns the address of the first byte of b.
func Addr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

func checkRequest(size, alignment int) error {
	if size <= 0 || size%pageSize != 0 {
		return fmt.Errorf("%w: size %d", ErrBadAlignment, size)
	}
	if !isPow2(alignment) || alignment%pageSize != 0 {
		return fmt.Errorf("%w: alignment %d", ErrBadAlignment, alignment)
	}
	return nil
}

// Go is a Source backed by the Go heap. It never returns pages to the OS;
// MarkPagesUnused zeroes the range to mimic a fresh mapping. It is used on
// platforms without mmap and in tests that must not depend on the OS.
type Go struct {
	mu    sync.Mutex
	owned map[uintptr][]byte // aligned start -> backing allocation
}

// NewGo returns a Go-heap backed Source.
func NewGo() *Go {
	return &Go{owned: make(map[uintptr][]byte)}
}

// ReserveAndCommit implements Source.
func (g *Go) ReserveAndCommit(size, alignment int) ([]byte, error) {
	if err := checkRequest(size, alignment); err != nil {
		return nil, err
	}
	backing := make([]byte, size+alignment)
	base := Addr(backing)
	off := int(uintptr(AlignUp(int(base), alignment)) - base)
	b := backing[off : off+size : off+size]

	g.mu.Lock()
	g.owned[Addr(b)] = backing
	g.mu.Unlock()
	return b, nil
}

// MarkPagesUnused implements Source.
func (g *Go) MarkPagesUnused(b []byte) error {
	clear(b)
	return nil
}

// MarkPagesInUse implements Source.
func (g *Go) MarkPagesInUse(b []byte) error {
	return nil
}

// Release implements Source.
func (g *Go) Release(b []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.owned[Addr(b)]; !ok {
		return ErrNotOwned
	}
	delete(g.owned, Addr(b))
	return nil
}
