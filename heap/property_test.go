package heap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cellheap/heap/kind"
)

// sweepZone keeps the cells for which keep returns true and frees the rest,
// releasing arenas that end up empty.
func sweepZone(t *testing.T, h *Heap, z *Zone, keep func(Cell) bool) {
	t.Helper()
	z.PurgeFreeLists()
	for _, k := range kind.All() {
		for _, a := range z.Arenas(k) {
			a.EachCell(func(c Cell) {
				if keep(c) {
					a.MarkBlack(c.Index())
				}
			})
			if a.Sweep() == 0 {
				require.NoError(t, h.ReleaseArena(a))
			}
		}
	}
}

// Test_Property_RandomAllocSweep runs random allocations, partial sweeps and
// decommits, checking the heap invariants after every step.
func Test_Property_RandomAllocSweep(t *testing.T) {
	h := newTestHeap(t, testConfig(&fakeCollector{}))
	zones := []*Zone{h.NewZone("a"), h.NewZone("b")}

	rng := rand.New(rand.NewSource(42)) // fixed seed for reproducibility
	live := make(map[uintptr]Cell)

	for step := range 400 {
		z := zones[rng.Intn(len(zones))]
		switch op := rng.Intn(10); {
		case op < 7:
			k := kind.AllocKind(rng.Intn(int(kind.Count)))
			for range 1 + rng.Intn(200) {
				c, err := h.AllocateTenuredCell(z, k, NoGC)
				require.NoError(t, err, "step %d", step)
				_, dup := live[c.Addr()]
				require.False(t, dup, "step %d: %s handed out while live", step, c)
				live[c.Addr()] = c
			}

		case op < 9:
			sweepZone(t, h, z, func(Cell) bool { return rng.Intn(2) == 0 })
			for addr, c := range live {
				if c.Arena().Zone() != z && c.Arena().Zone() != nil {
					continue
				}
				if c.Arena().Zone() == nil || !c.Arena().IsAllocated(c.Index()) {
					delete(live, addr)
				}
			}

		default:
			_, err := h.DecommitFreeArenas()
			require.NoError(t, err, "step %d", step)
		}

		require.NoError(t, h.Verify(), "step %d", step)
	}

	for _, c := range live {
		require.True(t, c.Arena().IsAllocated(c.Index()), "live cell %s lost", c)
	}
}
