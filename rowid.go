package colstore

// RowID is the logical identifier of one table row. All trees of a table are
// keyed by the same RowID space. RowIDs are assigned monotonically and never
// reused while any undo or index entry still references them.
//
// The usable keyspace is 48 bits wide, split into a block number and a
// per-block offset so that a RowID can be round-tripped through legacy
// (block, offset) item pointers.
type RowID uint64

const (
	// InvalidRowID is the "no row" sentinel.
	InvalidRowID RowID = 0

	// MinRowID is the first assignable row id (block 0, offset 1).
	MinRowID RowID = 1

	// rowsPerBlock is the number of offsets that fit in one logical block.
	rowsPerBlock = 128

	// maxBlockNumber caps the block component at 40 bits so the whole RowID
	// stays within 48 bits.
	maxBlockNumber = (uint64(1) << 40) - 1

	// MaxRowID is the largest assignable row id.
	MaxRowID = RowID(maxBlockNumber*rowsPerBlock + rowsPerBlock)

	// MaxPlusOneRowID is used as an open upper bound: the high key of the
	// rightmost page at each level, and the exclusive end of full-table scans.
	MaxPlusOneRowID = MaxRowID + 1
)

// RowIDFromBlockOffset builds a RowID from a block number and a 1-based
// offset within the block.
func RowIDFromBlockOffset(blk uint64, off uint16) RowID {
	if off == 0 || uint64(off) > rowsPerBlock {
		panic("rowid offset out of range")
	}
	return RowID(blk*rowsPerBlock + uint64(off))
}

// BlockNumber returns the block component of a valid RowID.
func (t RowID) BlockNumber() uint64 {
	return (uint64(t) - 1) / rowsPerBlock
}

// OffsetNumber returns the 1-based offset component of a valid RowID.
func (t RowID) OffsetNumber() uint16 {
	return uint16((uint64(t)-1)%rowsPerBlock + 1)
}

// Valid reports whether t identifies a row (not a sentinel).
func (t RowID) Valid() bool {
	return t >= MinRowID && t <= MaxRowID
}
