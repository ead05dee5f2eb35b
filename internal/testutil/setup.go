// Package testutil holds helpers shared by the tests of packages built on
// top of heap.
package testutil

import (
	"testing"

	"github.com/joshuapare/cellheap/heap"
	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/osmem"
)

// SetupHeap creates a heap over src with background allocation off.
// The heap is closed when the test ends.
//
// Example:
//
//	h := testutil.SetupHeap(t, osmem.NewGo())
//	z := h.NewZone("z")
func SetupHeap(t testing.TB, src osmem.Source) *heap.Heap {
	t.Helper()
	return SetupHeapWith(t, src, nil)
}

// SetupHeapWith is like SetupHeap but lets the caller adjust the config
// before the heap is created.
func SetupHeapWith(t testing.TB, src osmem.Source, adjust func(*heap.Config)) *heap.Heap {
	t.Helper()

	cfg := heap.DefaultConfig()
	cfg.BackgroundAllocation = false
	cfg.OS = src
	if adjust != nil {
		adjust(&cfg)
	}

	h, err := heap.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create heap: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Failed to close heap: %v", err)
		}
	})
	return h
}

// AllocN allocates n cells of kind k in z, allowing GC.
// Calls t.Fatal on the first failure.
func AllocN(t testing.TB, h *heap.Heap, z *heap.Zone, k kind.AllocKind, n int) []heap.Cell {
	t.Helper()

	cells := make([]heap.Cell, 0, n)
	for i := range n {
		c, err := h.AllocateCellAllowGC(z, k)
		if err != nil {
			t.Fatalf("Allocation %d of %s failed: %v", i, k, err)
		}
		cells = append(cells, c)
	}
	return cells
}

// MustVerify fails the test if the heap's structural checks do not hold.
func MustVerify(t testing.TB, h *heap.Heap) {
	t.Helper()
	if err := h.Verify(); err != nil {
		t.Fatalf("Heap verification failed: %v", err)
	}
}
