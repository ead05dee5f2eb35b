package heap

import (
	"testing"

	"github.com/joshuapare/cellheap/heap/kind"
)

func BenchmarkAllocateTenured(b *testing.B) {
	h := newTestHeap(b, testConfig(&fakeCollector{}))
	z := h.NewZone("bench")

	b.ReportAllocs()
	b.ResetTimer()
	for range b.N {
		if _, err := h.AllocateTenuredCell(z, kind.Object4, NoGC); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAllocateArena(b *testing.B) {
	h := newTestHeap(b, testConfig(&fakeCollector{}))
	z := h.NewZone("bench")

	b.ReportAllocs()
	b.ResetTimer()
	for range b.N {
		if _, err := h.allocateArena(z, kind.Script, dontCheckThresholds); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAllocateReuseAfterSweep(b *testing.B) {
	h := newTestHeap(b, testConfig(&fakeCollector{}))
	z := h.NewZone("bench")
	perArena := kind.Object0.CellsPerArena()

	b.ReportAllocs()
	b.ResetTimer()
	for i := range b.N {
		if _, err := h.AllocateTenuredCell(z, kind.Object0, NoGC); err != nil {
			b.Fatal(err)
		}
		if i%(64*perArena) == 64*perArena-1 {
			z.PurgeFreeLists()
			for _, a := range z.Arenas(kind.Object0) {
				if a.Sweep() == 0 {
					if err := h.ReleaseArena(a); err != nil {
						b.Fatal(err)
					}
				}
			}
		}
	}
}
