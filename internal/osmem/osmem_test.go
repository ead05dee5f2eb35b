package osmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testChunk = 1 << 20

func TestGoSource_AlignedAndZeroed(t *testing.T) {
	src := NewGo()
	b, err := src.ReserveAndCommit(testChunk, testChunk)
	require.NoError(t, err)
	require.Len(t, b, testChunk)
	require.Zero(t, Addr(b)%testChunk, "region must be chunk aligned")

	b[0], b[len(b)-1] = 0xAA, 0xBB
	require.NoError(t, src.MarkPagesUnused(b[:pageSize]))
	require.Zero(t, b[0], "unused pages read back as zero")
	require.Equal(t, byte(0xBB), b[len(b)-1])

	require.NoError(t, src.Release(b))
	require.ErrorIs(t, src.Release(b), ErrNotOwned)
}

func TestCheckRequest_RejectsBadGeometry(t *testing.T) {
	src := NewGo()
	_, err := src.ReserveAndCommit(pageSize+1, pageSize)
	require.ErrorIs(t, err, ErrBadAlignment)
	_, err = src.ReserveAndCommit(pageSize, 3*pageSize)
	require.ErrorIs(t, err, ErrBadAlignment)
}

func TestLimited_BudgetAndRelease(t *testing.T) {
	lim := NewLimited(NewGo(), 2*testChunk)

	a, err := lim.ReserveAndCommit(testChunk, testChunk)
	require.NoError(t, err)
	b, err := lim.ReserveAndCommit(testChunk, testChunk)
	require.NoError(t, err)
	_, err = lim.ReserveAndCommit(testChunk, testChunk)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, int64(2*testChunk), lim.Live())

	require.NoError(t, lim.Release(a))
	_, err = lim.ReserveAndCommit(testChunk, testChunk)
	require.NoError(t, err)

	attempts, failures := lim.Attempts()
	require.Equal(t, 4, attempts)
	require.Equal(t, 1, failures)
	require.NoError(t, lim.Release(b))
}

func TestLimited_ZeroBudgetAlwaysFails(t *testing.T) {
	lim := NewLimited(NewGo(), 0)
	for range 3 {
		_, err := lim.ReserveAndCommit(testChunk, testChunk)
		require.ErrorIs(t, err, ErrExhausted)
	}
	attempts, failures := lim.Attempts()
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, failures)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, AlignUp(0, 8))
	require.Equal(t, 8, AlignUp(1, 8))
	require.Equal(t, 8, AlignUp(8, 8))
	require.Equal(t, 4096, AlignUp(4095, 4096))
}
