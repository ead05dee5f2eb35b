//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly) && !windows

package osmem

// NewSystem returns the Go-heap backed Source when mmap is not available.
func NewSystem() Source { return NewGo() }
