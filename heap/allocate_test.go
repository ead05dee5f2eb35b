package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cellheap/heap/kind"
)

// fakeNursery hands out cells from a fixed number of slots.
type fakeNursery struct {
	capacity int
	used     int
	tries    int
	minors   []Reason
	verdict  NurseryFailure
}

func (n *fakeNursery) TryAllocate(k kind.AllocKind, _ kind.TraceKind, _ *Zone) (Cell, bool) {
	n.tries++
	if n.used >= n.capacity {
		return Cell{}, false
	}
	n.used++
	return NurseryCell(make([]byte, k.Size())), true
}

func (n *fakeNursery) HandleAllocationFailure() NurseryFailure { return n.verdict }

func (n *fakeNursery) MinorCollect(reason Reason) {
	n.minors = append(n.minors, reason)
	n.used = 0
}

func TestAllocate_NurseryFirstForEligibleKinds(t *testing.T) {
	n := &fakeNursery{capacity: 10}
	cfg := testConfig(&fakeCollector{})
	cfg.Nursery = n
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	c, err := h.AllocateCellAllowGC(z, kind.Object2)
	require.NoError(t, err)
	assert.False(t, c.IsTenured())
	assert.Equal(t, kind.Object2.Size(), c.Size())
	assert.False(t, c.IsMarkedBlack())
	assert.Zero(t, h.Stats().ChunksFromOS)
	assert.Zero(t, z.Size.TenuredAllocs())
}

func TestAllocate_IneligibleKindGoesTenured(t *testing.T) {
	n := &fakeNursery{capacity: 10}
	cfg := testConfig(&fakeCollector{})
	cfg.Nursery = n
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	c, err := h.AllocateCellAllowGC(z, kind.Script)
	require.NoError(t, err)
	assert.True(t, c.IsTenured())
	assert.Zero(t, n.tries)
}

func TestAllocate_ZoneCanForbidNursery(t *testing.T) {
	n := &fakeNursery{capacity: 10}
	cfg := testConfig(&fakeCollector{})
	cfg.Nursery = n
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")
	z.SetNurseryAllocation(kind.TraceString, false)

	s, err := h.AllocateCellAllowGC(z, kind.String)
	require.NoError(t, err)
	assert.True(t, s.IsTenured())

	o, err := h.AllocateCellAllowGC(z, kind.Object0)
	require.NoError(t, err)
	assert.False(t, o.IsTenured())
}

func TestAllocate_NurseryFullRunsMinorGC(t *testing.T) {
	n := &fakeNursery{capacity: 1, verdict: NeedMinorGC}
	cfg := testConfig(&fakeCollector{})
	cfg.Nursery = n
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	_, err := h.AllocateCellAllowGC(z, kind.Object0)
	require.NoError(t, err)
	c, err := h.AllocateCellAllowGC(z, kind.Object0)
	require.NoError(t, err)

	assert.False(t, c.IsTenured())
	assert.Equal(t, []Reason{ReasonOutOfNursery}, n.minors)
	assert.Equal(t, 1, h.Stats().MinorCollections)
}

func TestAllocate_NurseryFullNoGCFallsBackToTenured(t *testing.T) {
	n := &fakeNursery{capacity: 1, verdict: NeedMinorGC}
	cfg := testConfig(&fakeCollector{})
	cfg.Nursery = n
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	_, err := h.AllocateCellNoGC(z, kind.Object0)
	require.NoError(t, err)
	c, err := h.AllocateCellNoGC(z, kind.Object0)
	require.NoError(t, err)

	assert.True(t, c.IsTenured())
	assert.Empty(t, n.minors)
}

func TestAllocate_NurseryDeclinesMinorGC(t *testing.T) {
	n := &fakeNursery{capacity: 0, verdict: NurseryOK}
	cfg := testConfig(&fakeCollector{})
	cfg.Nursery = n
	h := newTestHeap(t, cfg)
	z := h.NewZone("z")

	c, err := h.AllocateCellAllowGC(z, kind.BigInt)
	require.NoError(t, err)
	assert.True(t, c.IsTenured())
	assert.Empty(t, n.minors)
	assert.Equal(t, 1, n.tries)
}

func TestGCMode_String(t *testing.T) {
	assert.Equal(t, "AllowGC", AllowGC.String())
	assert.Equal(t, "NoGC", NoGC.String())
}
