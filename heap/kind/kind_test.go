package kind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Geometry(t *testing.T) {
	for _, k := range All() {
		t.Run(k.String(), func(t *testing.T) {
			require.Zero(t, k.Size()%CellAlignBytes, "size must be %d-byte aligned", CellAlignBytes)
			require.Positive(t, k.CellsPerArena())
			require.LessOrEqual(t, k.CellsPerArena()*k.Size(), ArenaSize)
			require.Less(t, ArenaSize-k.CellsPerArena()*k.Size(), k.Size(), "arena tail must not fit another cell")
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, k := range All() {
		got, err := Parse(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	got, err := Parse("OBJECT4")
	require.NoError(t, err)
	require.Equal(t, Object4, got)

	_, err = Parse("nope")
	require.Error(t, err)
}

func TestNurseryEligibility(t *testing.T) {
	assert.True(t, Object0.IsNurseryAllocable())
	assert.True(t, String.IsNurseryAllocable())
	assert.False(t, ExternalString.IsNurseryAllocable())
	assert.False(t, Shape.IsNurseryAllocable())
	assert.Equal(t, TraceString, FatInlineString.TraceKind())
	assert.Equal(t, TraceObject, FunctionExtended.TraceKind())
}

func TestInvalidKind(t *testing.T) {
	require.False(t, Invalid.IsValid())
	require.Equal(t, "AllocKind(18)", Invalid.String())
	require.Panics(t, func() { _ = Invalid.Size() })
}

func TestForObjectSlots(t *testing.T) {
	cases := []struct {
		slots int
		want  AllocKind
		ok    bool
	}{
		{0, Object0, true},
		{1, Object2, true},
		{4, Object4, true},
		{5, Object8, true},
		{16, Object16, true},
		{17, Invalid, false},
	}
	for _, tc := range cases {
		got, ok := ForObjectSlots(tc.slots)
		require.Equal(t, tc.ok, ok, "slots=%d", tc.slots)
		require.Equal(t, tc.want, got, "slots=%d", tc.slots)
	}
}
