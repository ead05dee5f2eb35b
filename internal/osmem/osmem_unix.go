//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package osmem

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// System is a Source backed by anonymous private mappings.
type System struct{}

// NewSystem returns the platform Source.
func NewSystem() Source { return System{} }

// ReserveAndCommit implements Source. The mapping is over-sized by alignment
// and the unaligned head and tail are unmapped.
func (System) ReserveAndCommit(size, alignment int) ([]byte, error) {
	if err := checkRequest(size, alignment); err != nil {
		return nil, err
	}

	p, err := mapAnon(uintptr(size))
	if err != nil {
		return nil, err
	}
	if uintptr(p)%uintptr(alignment) == 0 {
		return unsafe.Slice((*byte)(p), size), nil
	}
	if err := unix.MunmapPtr(p, uintptr(size)); err != nil {
		return nil, err
	}

	total := uintptr(size + alignment)
	p, err = mapAnon(total)
	if err != nil {
		return nil, err
	}
	start := uintptr(p)
	aligned := uintptr(AlignUp(int(start), alignment))
	if head := aligned - start; head > 0 {
		if err := unix.MunmapPtr(p, head); err != nil {
			return nil, err
		}
	}
	if tail := start + total - (aligned + uintptr(size)); tail > 0 {
		if err := unix.MunmapPtr(unsafe.Add(p, aligned-start+uintptr(size)), tail); err != nil {
			return nil, err
		}
	}
	return unsafe.Slice((*byte)(unsafe.Add(p, aligned-start)), size), nil
}

func mapAnon(n uintptr) (unsafe.Pointer, error) {
	p, err := unix.MmapPtr(-1, 0, nil, n,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrExhausted, n, err)
		}
		return nil, err
	}
	return p, nil
}

// MarkPagesUnused implements Source.
func (System) MarkPagesUnused(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// MarkPagesInUse implements Source. Anonymous pages fault back in on access,
// so this is only a hint.
func (System) MarkPagesInUse(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_WILLNEED)
}

// Release implements Source.
func (System) Release(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.MunmapPtr(unsafe.Pointer(&b[0]), uintptr(len(b))); err != nil {
		return fmt.Errorf("munmap %d bytes at %#x: %w", len(b), Addr(b), err)
	}
	return nil
}
