//go:build windows

package osmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// System is a Source backed by VirtualAlloc.
type System struct{}

// NewSystem returns the platform Source.
func NewSystem() Source { return System{} }

// reserveRetries bounds the reserve/release/re-reserve race with other
// threads mapping into the hole we just found.
const reserveRetries = 8

// ReserveAndCommit implements Source.
func (System) ReserveAndCommit(size, alignment int) ([]byte, error) {
	if err := checkRequest(size, alignment); err != nil {
		return nil, err
	}
	for range reserveRetries {
		probe, err := windows.VirtualAlloc(0, uintptr(size+alignment),
			windows.MEM_RESERVE, windows.PAGE_NOACCESS)
		if err != nil {
			return nil, fmt.Errorf("%w: reserve %d bytes: %v", ErrExhausted, size+alignment, err)
		}
		aligned := uintptr(AlignUp(int(probe), alignment))
		if err := windows.VirtualFree(probe, 0, windows.MEM_RELEASE); err != nil {
			return nil, err
		}
		addr, err := windows.VirtualAlloc(aligned, uintptr(size),
			windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
		if err != nil {
			continue
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
	}
	return nil, fmt.Errorf("%w: could not reserve aligned region", ErrExhausted)
}

// MarkPagesUnused implements Source.
func (System) MarkPagesUnused(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return windows.VirtualFree(Addr(b), uintptr(len(b)), windows.MEM_DECOMMIT)
}

// MarkPagesInUse implements Source.
func (System) MarkPagesInUse(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := windows.VirtualAlloc(Addr(b), uintptr(len(b)), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}

// Release implements Source.
func (System) Release(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return windows.VirtualFree(Addr(b), 0, windows.MEM_RELEASE)
}
