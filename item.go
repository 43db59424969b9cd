package colstore

import (
	"encoding/binary"
	"fmt"
)

// TreeID selects one tree of a table. MetaTree is the row tree that carries
// MVCC metadata; attribute trees are numbered from 1.
type TreeID uint32

// MetaTree is the row tree's id.
const MetaTree TreeID = 0

// item is one page entry. Leaf pages of the row tree hold tidItems, leaf
// pages of attribute trees hold attrItems, internal pages hold downlinks.
// All three flow through the same repack engine.
type item interface {
	first() RowID
	size() int
	writeTo(buf []byte) int
}

const (
	tidItemSize  = 30 // first(8) + count(4) + flags(2) + undo(16)
	downlinkSize = 16 // separator(8) + child(8)

	attrItemHeaderSize = 22 // first(8) + end(8) + flags(2) + payloadLen(4)

	tidItemDead        uint16 = 0x01
	attrItemCompressed uint16 = 0x01
)

// tidItem is a run of `count` contiguous row ids that share one undo pointer.
// The dead flag marks the run permanently invisible and reclaimable.
type tidItem struct {
	firstRow RowID
	count    uint32
	undo     UndoPtr
	dead     bool
}

func newTidItem(rowid RowID, undo UndoPtr, count int) tidItem {
	if count <= 0 {
		panic("tid item needs at least one row")
	}
	return tidItem{firstRow: rowid, count: uint32(count), undo: undo}
}

func (it tidItem) first() RowID { return it.firstRow }
func (it tidItem) size() int    { return tidItemSize }

// end returns the exclusive upper bound of the run.
func (it tidItem) end() RowID { return it.firstRow + RowID(it.count) }

// lastRowID returns the last row id covered by the run.
func (it tidItem) lastRowID() RowID { return it.firstRow + RowID(it.count) - 1 }

func (it tidItem) covers(rowid RowID) bool {
	return it.firstRow <= rowid && rowid < it.end()
}

func (it tidItem) writeTo(buf []byte) int {
	binary.LittleEndian.PutUint64(buf[0:], uint64(it.firstRow))
	binary.LittleEndian.PutUint32(buf[8:], it.count)
	var flags uint16
	if it.dead {
		flags |= tidItemDead
	}
	binary.LittleEndian.PutUint16(buf[12:], flags)
	binary.LittleEndian.PutUint64(buf[14:], it.undo.Counter)
	binary.LittleEndian.PutUint32(buf[22:], it.undo.BlockNo)
	binary.LittleEndian.PutUint32(buf[26:], it.undo.Offset)
	return tidItemSize
}

func readTidItem(buf []byte) (tidItem, error) {
	if len(buf) < tidItemSize {
		return tidItem{}, ErrInvalidOffset
	}
	flags := binary.LittleEndian.Uint16(buf[12:])
	return tidItem{
		firstRow: RowID(binary.LittleEndian.Uint64(buf[0:])),
		count:    binary.LittleEndian.Uint32(buf[8:]),
		dead:     flags&tidItemDead != 0,
		undo: UndoPtr{
			Counter: binary.LittleEndian.Uint64(buf[14:]),
			BlockNo: binary.LittleEndian.Uint32(buf[22:]),
			Offset:  binary.LittleEndian.Uint32(buf[26:]),
		},
	}, nil
}

// split partitions the run at 'at'. 'at' must be strictly inside the range;
// anything else is an upstream invariant failure.
func (it tidItem) split(at RowID) (tidItem, tidItem, error) {
	if at <= it.firstRow || at >= it.end() {
		return tidItem{}, tidItem{}, contractViolation(MetaTree, at,
			"split boundary outside item range [%d, %d)", it.firstRow, it.end())
	}
	left := it
	left.count = uint32(at - it.firstRow)
	right := it
	right.firstRow = at
	right.count = uint32(it.end() - at)
	return left, right, nil
}

// downlink is an internal-page entry: the separator is the lowKey of the
// child's subtree.
type downlink struct {
	sep   RowID
	child PageID
}

func (d downlink) first() RowID { return d.sep }
func (d downlink) size() int    { return downlinkSize }

func (d downlink) writeTo(buf []byte) int {
	binary.LittleEndian.PutUint64(buf[0:], uint64(d.sep))
	binary.LittleEndian.PutUint64(buf[8:], uint64(d.child))
	return downlinkSize
}

func readDownlink(buf []byte) (downlink, error) {
	if len(buf) < downlinkSize {
		return downlink{}, ErrInvalidOffset
	}
	return downlink{
		sep:   RowID(binary.LittleEndian.Uint64(buf[0:])),
		child: PageID(binary.LittleEndian.Uint64(buf[8:])),
	}, nil
}

// attrItem holds the column values for a contiguous, gap-free range of row
// ids. The payload is either exploded (one element per row id) or a single
// compressed blob spanning the whole range.
type attrItem struct {
	firstRow RowID
	endRow   RowID // exclusive
	flags    uint16

	// exploded representation: elems[i] is the value for firstRow+i.
	elems [][]byte

	// compressed representation.
	blob        []byte
	unpackedLen int
}

func (it *attrItem) first() RowID { return it.firstRow }
func (it *attrItem) end() RowID   { return it.endRow }

func (it *attrItem) compressed() bool { return it.flags&attrItemCompressed != 0 }

func (it *attrItem) nelems() int { return int(it.endRow - it.firstRow) }

func (it *attrItem) covers(rowid RowID) bool {
	return it.firstRow <= rowid && rowid < it.endRow
}

func (it *attrItem) payloadLen() int {
	if it.compressed() {
		return 4 + len(it.blob)
	}
	n := 0
	for _, e := range it.elems {
		n += 2 + len(e)
	}
	return n
}

func (it *attrItem) size() int { return attrItemHeaderSize + it.payloadLen() }

func (it *attrItem) writeTo(buf []byte) int {
	binary.LittleEndian.PutUint64(buf[0:], uint64(it.firstRow))
	binary.LittleEndian.PutUint64(buf[8:], uint64(it.endRow))
	binary.LittleEndian.PutUint16(buf[16:], it.flags)
	binary.LittleEndian.PutUint32(buf[18:], uint32(it.payloadLen()))
	off := attrItemHeaderSize
	if it.compressed() {
		binary.LittleEndian.PutUint32(buf[off:], uint32(it.unpackedLen))
		off += 4
		off += copy(buf[off:], it.blob)
		return off
	}
	for _, e := range it.elems {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e)))
		off += 2
		off += copy(buf[off:], e)
	}
	return off
}

func readAttrItem(buf []byte) (*attrItem, int, error) {
	if len(buf) < attrItemHeaderSize {
		return nil, 0, ErrInvalidOffset
	}
	it := &attrItem{
		firstRow: RowID(binary.LittleEndian.Uint64(buf[0:])),
		endRow:   RowID(binary.LittleEndian.Uint64(buf[8:])),
		flags:    binary.LittleEndian.Uint16(buf[16:]),
	}
	plen := int(binary.LittleEndian.Uint32(buf[18:]))
	if attrItemHeaderSize+plen > len(buf) {
		return nil, 0, ErrInvalidOffset
	}
	payload := buf[attrItemHeaderSize : attrItemHeaderSize+plen]
	if it.compressed() {
		if plen < 4 {
			return nil, 0, ErrInvalidOffset
		}
		it.unpackedLen = int(binary.LittleEndian.Uint32(payload))
		it.blob = append([]byte(nil), payload[4:]...)
	} else {
		elems, err := unpackElems(payload, it.nelems())
		if err != nil {
			return nil, 0, err
		}
		it.elems = elems
	}
	return it, attrItemHeaderSize + plen, nil
}

// packElems flattens per-row values into the inline payload layout.
func packElems(elems [][]byte) []byte {
	n := 0
	for _, e := range elems {
		n += 2 + len(e)
	}
	buf := make([]byte, n)
	off := 0
	for _, e := range elems {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e)))
		off += 2
		off += copy(buf[off:], e)
	}
	return buf
}

func unpackElems(buf []byte, n int) ([][]byte, error) {
	elems := make([][]byte, 0, n)
	off := 0
	for i := 0; i < n; i++ {
		if off+2 > len(buf) {
			return nil, ErrInvalidOffset
		}
		l := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+l > len(buf) {
			return nil, ErrInvalidOffset
		}
		elems = append(elems, buf[off:off+l])
		off += l
	}
	if off != len(buf) {
		return nil, ErrInvalidOffset
	}
	return elems, nil
}

// newAttrItem builds an exploded item for the values of a contiguous row id
// run starting at 'first'.
func newAttrItem(first RowID, elems [][]byte) *attrItem {
	return &attrItem{
		firstRow: first,
		endRow:   first + RowID(len(elems)),
		elems:    elems,
	}
}

// explode returns the item in exploded form, decompressing if needed.
func (it *attrItem) explode(tree TreeID, codec Codec) (*attrItem, error) {
	if !it.compressed() {
		return it, nil
	}
	raw, err := codec.Decompress(it.blob, it.unpackedLen)
	if err != nil {
		return nil, fmt.Errorf("tree %d item [%d,%d): %w", tree, it.firstRow, it.endRow, err)
	}
	elems, err := unpackElems(raw, it.nelems())
	if err != nil {
		return nil, fmt.Errorf("tree %d item [%d,%d): %w", tree, it.firstRow, it.endRow, err)
	}
	return newAttrItem(it.firstRow, elems), nil
}

// split partitions the item at 'at'. A compressed item is exploded first; the
// halves are returned exploded, to be recompressed by the next repack.
func (it *attrItem) split(tree TreeID, codec Codec, at RowID) (*attrItem, *attrItem, error) {
	if at <= it.firstRow || at >= it.endRow {
		return nil, nil, contractViolation(tree, at,
			"split boundary outside item range [%d, %d)", it.firstRow, it.endRow)
	}
	ex, err := it.explode(tree, codec)
	if err != nil {
		return nil, nil, err
	}
	cut := int(at - ex.firstRow)
	left := newAttrItem(ex.firstRow, ex.elems[:cut:cut])
	right := newAttrItem(at, ex.elems[cut:])
	return left, right, nil
}

// recompressAttrItems merges adjacent contiguous exploded items into chunks of
// at most chunkTarget payload bytes and compresses each chunk when the codec
// helps. Already-compressed items pass through unchanged.
func recompressAttrItems(tree TreeID, codec Codec, items []*attrItem, chunkTarget int) []*attrItem {
	var out []*attrItem
	var pend *attrItem

	flush := func() {
		if pend == nil {
			return
		}
		packed := packElems(pend.elems)
		if blob, ok := codec.TryCompress(packed); ok {
			out = append(out, &attrItem{
				firstRow:    pend.firstRow,
				endRow:      pend.endRow,
				flags:       attrItemCompressed,
				blob:        blob,
				unpackedLen: len(packed),
			})
		} else {
			out = append(out, pend)
		}
		pend = nil
	}

	for _, it := range items {
		if it.compressed() {
			flush()
			out = append(out, it)
			continue
		}
		if pend != nil && pend.endRow == it.firstRow &&
			pend.payloadLen()+it.payloadLen() <= chunkTarget {
			merged := newAttrItem(pend.firstRow, append(append([][]byte(nil), pend.elems...), it.elems...))
			pend = merged
			continue
		}
		flush()
		pend = it
	}
	flush()
	return out
}
