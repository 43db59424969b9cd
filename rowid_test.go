package colstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowIDBlockOffsetRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		blk uint64
		off uint16
	}{
		{0, 1},
		{0, rowsPerBlock},
		{1, 1},
		{12345, 77},
		{maxBlockNumber, rowsPerBlock},
	}
	for _, tc := range cases {
		rowid := RowIDFromBlockOffset(tc.blk, tc.off)
		assert.Equal(t, tc.blk, rowid.BlockNumber())
		assert.Equal(t, tc.off, rowid.OffsetNumber())
		assert.True(t, rowid.Valid())
	}
}

func TestRowIDSentinels(t *testing.T) {
	t.Parallel()

	assert.False(t, InvalidRowID.Valid())
	assert.True(t, MinRowID.Valid())
	assert.True(t, MaxRowID.Valid())
	assert.False(t, MaxPlusOneRowID.Valid())
	assert.Equal(t, MaxRowID+1, MaxPlusOneRowID)

	require.Equal(t, RowID(1), RowIDFromBlockOffset(0, 1))
	assert.Equal(t, MaxRowID, RowIDFromBlockOffset(maxBlockNumber, rowsPerBlock))
}

func TestRowIDOrderingFollowsBlockOffset(t *testing.T) {
	t.Parallel()

	a := RowIDFromBlockOffset(5, rowsPerBlock)
	b := RowIDFromBlockOffset(6, 1)
	assert.Less(t, a, b)
	assert.Equal(t, a+1, b)
}

func TestRowIDFromBlockOffsetPanicsOnBadOffset(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { RowIDFromBlockOffset(0, 0) })
	assert.Panics(t, func() { RowIDFromBlockOffset(0, rowsPerBlock+1) })
}
