package colstore

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

const (
	// PageSize is the fixed on-disk page size.
	PageSize = 8192

	pageHeaderSize = 64

	// pageCapacity is the byte budget available to items on one page.
	pageCapacity = PageSize - pageHeaderSize

	// MagicNumber identifies the file format ("clst").
	MagicNumber uint32 = 0x636c7374

	FormatVersion uint16 = 1
)

// Page flags. Leaf/internal and row-tree/attribute-tree must be decidable
// from the header alone, so a reader recovering after a crash can classify
// any page without catalog access.
const (
	pageLeaf    uint16 = 0x01
	pageRowTree uint16 = 0x02
	pageRoot    uint16 = 0x04
	pageDeleted uint16 = 0x08
)

// PageID locates one page in the page store.
type PageID uint64

const InvalidPageID PageID = 0

// page is the decoded form of one tree page. Every row id t stored on a leaf
// satisfies lowKey <= t < highKey; highKey equals the right sibling's lowKey,
// or MaxPlusOneRowID on the rightmost page of a level.
type page struct {
	id      PageID
	tree    TreeID
	level   uint16
	flags   uint16
	lowKey  RowID
	highKey RowID
	next    PageID

	items []item
	used  int // encoded bytes consumed by items
}

func newLeafPage(tree TreeID, lowKey, highKey RowID, flags uint16) *page {
	f := flags | pageLeaf
	if tree == MetaTree {
		f |= pageRowTree
	}
	return &page{tree: tree, level: 0, flags: f, lowKey: lowKey, highKey: highKey}
}

func newInternalPage(tree TreeID, level uint16, lowKey, highKey RowID, flags uint16) *page {
	f := flags &^ pageLeaf
	if tree == MetaTree {
		f |= pageRowTree
	}
	return &page{tree: tree, level: level, flags: f, lowKey: lowKey, highKey: highKey}
}

// clone returns a copy sharing the (immutable) item values. Mutations build
// on a clone and swap it in; frames are never modified in place.
func (p *page) clone() *page {
	cp := *p
	cp.items = append([]item(nil), p.items...)
	return &cp
}

func (p *page) isLeaf() bool    { return p.flags&pageLeaf != 0 }
func (p *page) isRoot() bool    { return p.flags&pageRoot != 0 }
func (p *page) isDeleted() bool { return p.flags&pageDeleted != 0 }

func (p *page) freeSpace() int { return pageCapacity - p.used }

// covers reports whether this page is the right leaf (or internal page at its
// level) for rowid in the given tree. Used by the scan split-tolerance check.
func (p *page) covers(tree TreeID, rowid RowID, level uint16) bool {
	return !p.isDeleted() &&
		p.tree == tree &&
		p.level == level &&
		p.lowKey <= rowid && rowid < p.highKey
}

// addItem appends it, which must sort after every item already on the page.
func (p *page) addItem(it item) error {
	if it.size() > p.freeSpace() {
		return ErrPageOverflow
	}
	p.items = append(p.items, it)
	p.used += it.size()
	return nil
}

// setItems replaces the page content wholesale.
func (p *page) setItems(items []item) {
	p.items = items
	p.used = 0
	for _, it := range items {
		p.used += it.size()
	}
}

// findDownlink returns the index of the downlink whose separator is the
// greatest value <= rowid, or -1 when rowid sorts before every entry.
func (p *page) findDownlink(rowid RowID) int {
	n := len(p.items)
	i := sort.Search(n, func(i int) bool {
		return p.items[i].(downlink).sep > rowid
	})
	return i - 1
}

func (p *page) downlinkAt(i int) downlink { return p.items[i].(downlink) }

// findTidItem returns the index of the last row-tree item whose first row id
// is <= rowid, or -1.
func (p *page) findTidItem(rowid RowID) int {
	n := len(p.items)
	i := sort.Search(n, func(i int) bool {
		return p.items[i].(tidItem).firstRow > rowid
	})
	return i - 1
}

func (p *page) tidItemAt(i int) tidItem { return p.items[i].(tidItem) }

func (p *page) attrItemAt(i int) *attrItem { return p.items[i].(*attrItem) }

// marshal renders the self-describing page image, checksummed with xxhash.
func (p *page) marshal() ([]byte, error) {
	if p.used > pageCapacity {
		return nil, ErrPageOverflow
	}
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:], MagicNumber)
	binary.LittleEndian.PutUint16(buf[4:], FormatVersion)
	binary.LittleEndian.PutUint16(buf[6:], p.flags)
	binary.LittleEndian.PutUint64(buf[8:], uint64(p.id))
	binary.LittleEndian.PutUint32(buf[16:], uint32(p.tree))
	binary.LittleEndian.PutUint16(buf[20:], p.level)
	binary.LittleEndian.PutUint16(buf[22:], uint16(len(p.items)))
	binary.LittleEndian.PutUint64(buf[24:], uint64(p.lowKey))
	binary.LittleEndian.PutUint64(buf[32:], uint64(p.highKey))
	binary.LittleEndian.PutUint64(buf[40:], uint64(p.next))

	off := pageHeaderSize
	for _, it := range p.items {
		if off+it.size() > PageSize {
			return nil, ErrPageOverflow
		}
		off += it.writeTo(buf[off:])
	}

	// checksum over everything except the checksum field itself
	binary.LittleEndian.PutUint64(buf[48:], 0)
	sum := xxhash.Sum64(buf)
	binary.LittleEndian.PutUint64(buf[48:], sum)
	return buf, nil
}

func unmarshalPage(buf []byte) (*page, error) {
	if len(buf) != PageSize {
		return nil, ErrInvalidOffset
	}
	if binary.LittleEndian.Uint32(buf[0:]) != MagicNumber {
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint16(buf[4:]) != FormatVersion {
		return nil, ErrInvalidVersion
	}
	stored := binary.LittleEndian.Uint64(buf[48:])
	cp := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint64(cp[48:], 0)
	if xxhash.Sum64(cp) != stored {
		return nil, ErrChecksum
	}

	p := &page{
		flags:   binary.LittleEndian.Uint16(buf[6:]),
		id:      PageID(binary.LittleEndian.Uint64(buf[8:])),
		tree:    TreeID(binary.LittleEndian.Uint32(buf[16:])),
		level:   binary.LittleEndian.Uint16(buf[20:]),
		lowKey:  RowID(binary.LittleEndian.Uint64(buf[24:])),
		highKey: RowID(binary.LittleEndian.Uint64(buf[32:])),
		next:    PageID(binary.LittleEndian.Uint64(buf[40:])),
	}
	n := int(binary.LittleEndian.Uint16(buf[22:]))

	off := pageHeaderSize
	for i := 0; i < n; i++ {
		switch {
		case !p.isLeaf():
			d, err := readDownlink(buf[off:])
			if err != nil {
				return nil, err
			}
			p.items = append(p.items, d)
			off += downlinkSize
		case p.flags&pageRowTree != 0:
			it, err := readTidItem(buf[off:])
			if err != nil {
				return nil, err
			}
			p.items = append(p.items, it)
			off += tidItemSize
		default:
			it, sz, err := readAttrItem(buf[off:])
			if err != nil {
				return nil, err
			}
			p.items = append(p.items, it)
			off += sz
		}
	}
	p.used = off - pageHeaderSize
	return p, nil
}

// checkOrder verifies the leaf ordering invariant: adjacent items strictly
// increasing and non-overlapping, all inside [lowKey, highKey). Repacks run it
// on their input; it is cheap relative to the page rewrite.
func (p *page) checkOrder(tree TreeID) error {
	prevEnd := RowID(0)
	for _, raw := range p.items {
		var f, e RowID
		switch it := raw.(type) {
		case tidItem:
			f, e = it.firstRow, it.end()
		case *attrItem:
			f, e = it.firstRow, it.endRow
		case downlink:
			f, e = it.sep, it.sep+1
		}
		if f < prevEnd || e <= f {
			return contractViolation(tree, f, "items out of order on page %d", p.id)
		}
		prevEnd = e
	}
	return nil
}
