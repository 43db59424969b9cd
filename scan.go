package colstore

import "errors"

// RowScan is a resumable forward scan over the row tree, yielding the row ids
// visible to the snapshot in [start, end). The cursor keeps its current leaf
// pinned but unlocked between calls; before trusting it again it re-validates
// that the page still covers the scan position, following right links after a
// concurrent split moved content away, and re-descending from the root only
// when the page is completely stale.
type RowScan struct {
	t    *tree
	snap Snapshot

	nextRowID RowID
	endRowID  RowID
	ref       *pageRef

	buf    []RowID
	bufPos int
	done   bool
}

// NewRowScan opens a row-tree scan of [start, end) under the given snapshot.
// Pass MaxPlusOneRowID as end for a full-table scan.
func (tbl *Table) NewRowScan(start, end RowID, snap Snapshot) *RowScan {
	if start < MinRowID {
		start = MinRowID
	}
	return &RowScan{
		t:         tbl.rowTree(),
		snap:      snap,
		nextRowID: start,
		endRowID:  end,
	}
}

// Next returns the next visible row id, or ok=false at end of range.
func (s *RowScan) Next() (RowID, bool, error) {
	for {
		if s.bufPos < len(s.buf) {
			rowid := s.buf[s.bufPos]
			s.bufPos++
			return rowid, true, nil
		}
		if s.done {
			return InvalidRowID, false, nil
		}
		if err := s.fill(); err != nil {
			return InvalidRowID, false, err
		}
	}
}

// fill buffers the visible row ids of the next page in the chain.
func (s *RowScan) fill() error {
	if s.nextRowID >= s.endRowID {
		s.finish()
		return nil
	}
	ref, err := scanAcquire(s.t, s.ref, s.nextRowID)
	if err != nil {
		s.ref = nil
		if errors.Is(err, ErrTreeNotFound) {
			s.finish()
			return nil
		}
		return err
	}
	p := ref.page()

	s.buf = s.buf[:0]
	s.bufPos = 0
	oldest := s.t.tbl.undo.OldestActivePtr()
	for _, raw := range p.items {
		it := raw.(tidItem)
		if it.end() <= s.nextRowID || it.firstRow >= s.endRowID {
			continue
		}
		if it.dead {
			continue
		}
		if vis := s.t.tbl.oracle.Visible(s.snap, it.undo, oldest); !vis.Visible {
			continue
		}
		for rowid := maxRowIDOf(it.firstRow, s.nextRowID); rowid < it.end() && rowid < s.endRowID; rowid++ {
			s.buf = append(s.buf, rowid)
		}
	}

	s.nextRowID = p.highKey
	atEnd := p.highKey >= s.endRowID || p.next == InvalidPageID
	ref.unlock()
	s.ref = ref
	if atEnd {
		s.done = true
	}
	return nil
}

func (s *RowScan) finish() {
	if s.ref != nil {
		s.ref.release()
		s.ref = nil
	}
	s.done = true
}

// Reset repositions the scan. Moving backwards restarts from scratch; moving
// forwards fast-forwards in place, keeping the pinned page.
func (s *RowScan) Reset(start RowID) {
	if start < MinRowID {
		start = MinRowID
	}
	if start < s.nextRowID {
		if s.ref != nil {
			s.ref.release()
			s.ref = nil
		}
		s.buf = s.buf[:0]
		s.bufPos = 0
		s.nextRowID = start
		s.done = false
		return
	}
	for s.bufPos < len(s.buf) && s.buf[s.bufPos] < start {
		s.bufPos++
	}
	if start > s.nextRowID {
		s.nextRowID = start
	}
}

// Close releases the scan's pinned page.
func (s *RowScan) Close() {
	if s.ref != nil {
		s.ref.release()
		s.ref = nil
	}
	s.done = true
}

// scanAcquire turns a cursor's stale page reference into a locked reference
// covering rowid. Given a still-pinned ref, it re-locks and re-validates; a
// page that covered rowid-1 but not rowid was the right page for the previous
// key, so the right link leads to the content's new home. Anything else
// re-descends from the root. Returns a pinned, share-locked ref; the caller
// unlocks it but keeps the pin.
func scanAcquire(t *tree, ref *pageRef, rowid RowID) (*pageRef, error) {
	if ref == nil {
		return t.descend(rowid, lockShared)
	}
	ref.lock(lockShared)
	p := ref.page()
	if p.covers(t.id, rowid, 0) {
		return ref, nil
	}
	if p.covers(t.id, rowid-1, 0) && p.next != InvalidPageID {
		nref, err := t.tbl.pool.pin(p.next)
		if err != nil {
			ref.unlockRelease()
			return nil, err
		}
		ref.unlockRelease()
		nref.lock(lockShared)
		if nref.page().covers(t.id, rowid, 0) {
			return nref, nil
		}
		nref.unlockRelease()
		return t.descend(rowid, lockShared)
	}
	ref.unlockRelease()
	return t.descend(rowid, lockShared)
}

// attrScanEntry is one buffered column value.
type attrScanEntry struct {
	rowid RowID
	value []byte
}

// AttrScan is a forward scan over one attribute tree, yielding (rowid, value)
// pairs in [start, end). It carries no visibility of its own; callers step it
// in lockstep with a RowScan, which is the timeline of record.
type AttrScan struct {
	t *tree

	nextRowID RowID
	endRowID  RowID
	ref       *pageRef

	buf    []attrScanEntry
	bufPos int
	done   bool
}

// NewAttrScan opens a scan of one attribute tree over [start, end).
func (tbl *Table) NewAttrScan(attno TreeID, start, end RowID) (*AttrScan, error) {
	if err := tbl.checkAttr(attno); err != nil {
		return nil, err
	}
	if start < MinRowID {
		start = MinRowID
	}
	return &AttrScan{
		t:         tbl.attrTree(attno),
		nextRowID: start,
		endRowID:  end,
	}, nil
}

// Next returns the next stored value, or ok=false at end of range.
func (s *AttrScan) Next() (RowID, []byte, bool, error) {
	for {
		if s.bufPos < len(s.buf) {
			e := s.buf[s.bufPos]
			s.bufPos++
			return e.rowid, e.value, true, nil
		}
		if s.done {
			return InvalidRowID, nil, false, nil
		}
		if err := s.fill(); err != nil {
			return InvalidRowID, nil, false, err
		}
	}
}

func (s *AttrScan) fill() error {
	if s.nextRowID >= s.endRowID {
		s.finish()
		return nil
	}
	ref, err := scanAcquire(s.t, s.ref, s.nextRowID)
	if err != nil {
		s.ref = nil
		if errors.Is(err, ErrTreeNotFound) {
			s.finish()
			return nil
		}
		return err
	}
	p := ref.page()

	s.buf = s.buf[:0]
	s.bufPos = 0
	for n := 0; n < len(p.items); n++ {
		it := p.attrItemAt(n)
		if it.endRow <= s.nextRowID || it.firstRow >= s.endRowID {
			continue
		}
		ex, err := it.explode(s.t.id, s.t.tbl.codec)
		if err != nil {
			ref.unlock()
			s.ref = ref
			return err
		}
		for rowid := maxRowIDOf(it.firstRow, s.nextRowID); rowid < ex.endRow && rowid < s.endRowID; rowid++ {
			val := ex.elems[int(rowid-ex.firstRow)]
			s.buf = append(s.buf, attrScanEntry{rowid: rowid, value: append([]byte(nil), val...)})
		}
	}

	s.nextRowID = p.highKey
	atEnd := p.highKey >= s.endRowID || p.next == InvalidPageID
	ref.unlock()
	s.ref = ref
	if atEnd {
		s.done = true
	}
	return nil
}

func (s *AttrScan) finish() {
	if s.ref != nil {
		s.ref.release()
		s.ref = nil
	}
	s.done = true
}

// Reset repositions the scan, restarting only when moving backwards.
func (s *AttrScan) Reset(start RowID) {
	if start < MinRowID {
		start = MinRowID
	}
	if start < s.nextRowID {
		if s.ref != nil {
			s.ref.release()
			s.ref = nil
		}
		s.buf = s.buf[:0]
		s.bufPos = 0
		s.nextRowID = start
		s.done = false
		return
	}
	for s.bufPos < len(s.buf) && s.buf[s.bufPos].rowid < start {
		s.bufPos++
	}
	if start > s.nextRowID {
		s.nextRowID = start
	}
}

// Close releases the scan's pinned page.
func (s *AttrScan) Close() {
	if s.ref != nil {
		s.ref.release()
		s.ref = nil
	}
	s.done = true
}
