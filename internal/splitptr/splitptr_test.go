package splitptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageSizeIsSixteenThousandThreeEightyThree(t *testing.T) {
	assert.Equal(t, uint64(16383), uint64(PageSize))
}

func TestInsertAndTakeRoundTrip(t *testing.T) {
	tbl := New()
	tbl.Insert(0xdead, 7)

	idx, ok := tbl.Take(0xdead)
	require.True(t, ok)
	assert.Equal(t, 7, idx)

	_, ok = tbl.Take(0xdead)
	assert.False(t, ok)
}

func TestTakeUnknownPointerIsNotFound(t *testing.T) {
	tbl := New()
	_, ok := tbl.Take(0x1234)
	assert.False(t, ok)
}

func TestInsertOverwritesExisting(t *testing.T) {
	tbl := New()
	tbl.Insert(0x100, 1)
	tbl.Insert(0x100, 2)

	idx, ok := tbl.Take(0x100)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

// Two pointers that land in the same bucket (same big = ptr/PageSize,
// different small remainder) must be tracked independently: freeing
// one leaves the other live.
func TestSharedBigBucketPointersAreIndependent(t *testing.T) {
	tbl := New()
	p1 := uint64(0x00010000)
	p2 := p1 + 1

	require.Equal(t, p1/PageSize, p2/PageSize)

	tbl.Insert(p1, 1)
	tbl.Insert(p2, 2)

	idx, ok := tbl.Take(p1)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = tbl.Take(p2)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestManyPointersInSameBucket(t *testing.T) {
	tbl := New()
	base := uint64(0x500000)
	for i := uint64(0); i < 50; i++ {
		tbl.Insert(base+i, int(i))
	}
	for i := uint64(0); i < 50; i++ {
		idx, ok := tbl.Take(base + i)
		require.True(t, ok)
		assert.Equal(t, int(i), idx)
	}
}
