package colstore

import (
	"errors"
	"sort"
)

// getLastRowID probes the rightmost leaf for the highest allocated row id.
func (t *tree) getLastRowID() (RowID, error) {
	ref, err := t.descend(MaxRowID, lockShared)
	if errors.Is(err, ErrTreeNotFound) {
		return InvalidRowID, nil
	}
	if err != nil {
		return InvalidRowID, err
	}
	p := ref.page()
	last := p.lowKey - 1
	if n := len(p.items); n > 0 {
		last = p.tidItemAt(n - 1).lastRowID()
	}
	ref.unlockRelease()
	return last, nil
}

// insertMany allocates count consecutive row ids at the append point and
// stores one run item sharing a single insert undo record. prevPtr chains the
// record to a prior version when the insert is step two of an update.
func (t *tree) insertMany(count int, xid TxID, cid CommandID, token uint32, prevPtr UndoPtr) ([]RowID, error) {
	if count <= 0 {
		return nil, contractViolation(t.id, InvalidRowID, "insert of %d rows", count)
	}
	ref, err := t.descend(MaxRowID, lockExclusive)
	if err != nil {
		return nil, err
	}
	p := ref.page()

	first := p.lowKey
	if n := len(p.items); n > 0 {
		first = p.tidItemAt(n - 1).end()
	}
	if first+RowID(count)-1 > MaxRowID {
		ref.unlockRelease()
		return nil, resourceExhausted(t.id, "row id space exhausted at %d", first)
	}

	ptr := InvalidUndoPtr
	if xid != FrozenTxID {
		ptr, err = t.tbl.undo.Insert(&UndoRec{
			Type:             UndoInsert,
			XID:              xid,
			CID:              cid,
			RowID:            first,
			EndRowID:         first + RowID(count) - 1,
			SpeculativeToken: token,
			PrevPtr:          prevPtr,
		})
		if err != nil {
			ref.unlockRelease()
			return nil, err
		}
	}

	if err := t.tidAddItems(ref, []tidItem{newTidItem(first, ptr, count)}); err != nil {
		return nil, err
	}
	rowids := make([]RowID, count)
	for i := range rowids {
		rowids[i] = first + RowID(i)
	}
	return rowids, nil
}

// tidAddItems installs new row-tree items on the locked leaf behind ref,
// appending in place when they extend the page and fit, repacking otherwise.
// Consumes ref.
func (t *tree) tidAddItems(ref *pageRef, newItems []tidItem) error {
	defer ref.unlockRelease()
	p := ref.page()

	lastEnd := p.lowKey
	if n := len(p.items); n > 0 {
		lastEnd = p.tidItemAt(n - 1).end()
	}
	if newItems[0].firstRow >= lastEnd && len(newItems)*tidItemSize <= p.freeSpace() {
		np := p.clone()
		for _, it := range newItems {
			if err := np.addItem(it); err != nil {
				return err
			}
		}
		return t.replacePage(ref, np)
	}

	merged := make([]item, 0, len(p.items)+len(newItems))
	i, j := 0, 0
	for i < len(p.items) || j < len(newItems) {
		switch {
		case i == len(p.items):
			merged = append(merged, newItems[j])
			j++
		case j == len(newItems):
			merged = append(merged, p.items[i])
			i++
		case p.tidItemAt(i).firstRow == newItems[j].firstRow:
			return contractViolation(t.id, newItems[j].firstRow, "duplicate row id inserted")
		case p.tidItemAt(i).firstRow < newItems[j].firstRow:
			merged = append(merged, p.items[i])
			i++
		default:
			merged = append(merged, newItems[j])
			j++
		}
	}
	return t.repackReplace(ref, merged)
}

// tidFetch returns the run item covering rowid, if any.
func (t *tree) tidFetch(rowid RowID) (tidItem, bool, error) {
	ref, err := t.descend(rowid, lockShared)
	if errors.Is(err, ErrTreeNotFound) {
		return tidItem{}, false, nil
	}
	if err != nil {
		return tidItem{}, false, err
	}
	p := ref.page()
	idx := p.findTidItem(rowid)
	if idx < 0 {
		ref.unlockRelease()
		return tidItem{}, false, nil
	}
	it := p.tidItemAt(idx)
	ref.unlockRelease()
	if !it.covers(rowid) {
		return tidItem{}, false, nil
	}
	return it, true, nil
}

// tidReplaceItem replaces the single row id 'rowid' inside the item at idx
// with 'repl', keeping the surrounding slices of the run on their old undo
// pointer. Fixed item sizes make the in-place path cheap; a repack happens
// only when the extra slices do not fit. Consumes ref.
func (t *tree) tidReplaceItem(ref *pageRef, idx int, rowid RowID, repl tidItem) error {
	defer ref.unlockRelease()
	p := ref.page()
	old := p.tidItemAt(idx)

	parts := make([]item, 0, 3)
	if rowid > old.firstRow {
		before := old
		before.count = uint32(rowid - old.firstRow)
		parts = append(parts, before)
	}
	parts = append(parts, repl)
	if end := old.end(); end > rowid+1 {
		after := old
		after.firstRow = rowid + 1
		after.count = uint32(end - rowid - 1)
		parts = append(parts, after)
	}

	growth := (len(parts) - 1) * tidItemSize
	if growth <= p.freeSpace() {
		np := p.clone()
		items := make([]item, 0, len(p.items)+len(parts)-1)
		items = append(items, p.items[:idx]...)
		items = append(items, parts...)
		items = append(items, p.items[idx+1:]...)
		np.setItems(items)
		return t.replacePage(ref, np)
	}

	items := make([]item, 0, len(p.items)+len(parts)-1)
	items = append(items, p.items[:idx]...)
	items = append(items, parts...)
	items = append(items, p.items[idx+1:]...)
	return t.repackReplace(ref, items)
}

// lockCurrent descends to rowid's item for a write and runs the oracle's
// update check. On OutcomeOK the leaf stays locked and the item index is
// returned; otherwise the leaf is released.
func (t *tree) lockCurrent(rowid RowID, mode LockMode, snap Snapshot) (*pageRef, int, UpdateCheck, error) {
	ref, err := t.descend(rowid, lockExclusive)
	if err != nil {
		return nil, 0, UpdateCheck{}, err
	}
	p := ref.page()
	idx := p.findTidItem(rowid)
	if idx < 0 || !p.tidItemAt(idx).covers(rowid) {
		ref.unlockRelease()
		return nil, 0, UpdateCheck{}, contractViolation(t.id, rowid, "row not found")
	}
	it := p.tidItemAt(idx)
	if it.dead {
		ref.unlockRelease()
		return nil, 0, UpdateCheck{}, contractViolation(t.id, rowid, "write to dead row")
	}
	check := t.tbl.oracle.CheckUpdate(snap, rowid, it.undo, mode, t.tbl.undo.OldestActivePtr())
	if check.Outcome != OutcomeOK {
		ref.unlockRelease()
		return nil, 0, check, nil
	}
	return ref, idx, check, nil
}

// deleteRow marks one row deleted. changedPart records a cross-partition move
// on the undo record.
func (t *tree) deleteRow(rowid RowID, xid TxID, cid CommandID, snap Snapshot, changedPart bool) (Outcome, error) {
	ref, idx, check, err := t.lockCurrent(rowid, LockExclusive, snap)
	if err != nil {
		return OutcomeInvisible, err
	}
	if check.Outcome != OutcomeOK {
		return check.Outcome, nil
	}

	prev := InvalidUndoPtr
	if check.KeepOldPtr {
		prev = ref.page().tidItemAt(idx).undo
	}
	ptr, err := t.tbl.undo.Insert(&UndoRec{
		Type:        UndoDelete,
		XID:         xid,
		CID:         cid,
		RowID:       rowid,
		PrevPtr:     prev,
		ChangedPart: changedPart,
	})
	if err != nil {
		ref.unlockRelease()
		return OutcomeInvisible, err
	}
	if err := t.tidReplaceItem(ref, idx, rowid, newTidItem(rowid, ptr, 1)); err != nil {
		return OutcomeInvisible, err
	}
	return OutcomeOK, nil
}

// updateRow runs the three-step update protocol: validate the old version,
// insert the new row id chained to the old pointer, then rewrite the old row
// as superseded with a forward pointer. A conflicting write that slips in
// between the steps is not handled; it surfaces as a fatal
// unsupported-concurrency error rather than a silent guess.
func (t *tree) updateRow(oldRowid RowID, xid TxID, cid CommandID, snap Snapshot, keyUpdate bool) (Outcome, RowID, error) {
	mode := LockNoKeyExclusive
	if keyUpdate {
		mode = LockExclusive
	}

	ref, idx, check, err := t.lockCurrent(oldRowid, mode, snap)
	if err != nil {
		return OutcomeInvisible, InvalidRowID, err
	}
	if check.Outcome != OutcomeOK {
		return check.Outcome, InvalidRowID, nil
	}
	prev := InvalidUndoPtr
	if check.KeepOldPtr {
		prev = ref.page().tidItemAt(idx).undo
	}
	ref.unlockRelease()

	rowids, err := t.insertMany(1, xid, cid, InvalidSpeculativeToken, prev)
	if err != nil {
		return OutcomeInvisible, InvalidRowID, err
	}
	newRowid := rowids[0]

	// Re-validate: the leaf lock was dropped across the insert.
	ref, idx, check, err = t.lockCurrent(oldRowid, mode, snap)
	if err != nil {
		return OutcomeInvisible, InvalidRowID, err
	}
	if check.Outcome != OutcomeOK {
		return OutcomeInvisible, InvalidRowID,
			unsupportedConcurrency(t.id, oldRowid, "row concurrently updated")
	}
	oldPrev := InvalidUndoPtr
	if check.KeepOldPtr {
		oldPrev = ref.page().tidItemAt(idx).undo
	}
	ptr, err := t.tbl.undo.Insert(&UndoRec{
		Type:      UndoUpdate,
		XID:       xid,
		CID:       cid,
		RowID:     oldRowid,
		PrevPtr:   oldPrev,
		NewRowID:  newRowid,
		KeyUpdate: keyUpdate,
	})
	if err != nil {
		ref.unlockRelease()
		return OutcomeInvisible, InvalidRowID, err
	}
	if err := t.tidReplaceItem(ref, idx, oldRowid, newTidItem(oldRowid, ptr, 1)); err != nil {
		return OutcomeInvisible, InvalidRowID, err
	}
	return OutcomeOK, newRowid, nil
}

// lockRow records a row-level lock in the version chain.
func (t *tree) lockRow(rowid RowID, mode LockMode, xid TxID, cid CommandID, snap Snapshot) (Outcome, error) {
	ref, idx, check, err := t.lockCurrent(rowid, mode, snap)
	if err != nil {
		return OutcomeInvisible, err
	}
	if check.Outcome != OutcomeOK {
		return check.Outcome, nil
	}
	ptr, err := t.tbl.undo.Insert(&UndoRec{
		Type:     UndoTupleLock,
		XID:      xid,
		CID:      cid,
		RowID:    rowid,
		PrevPtr:  ref.page().tidItemAt(idx).undo,
		LockMode: mode,
	})
	if err != nil {
		ref.unlockRelease()
		return OutcomeInvisible, err
	}
	if err := t.tidReplaceItem(ref, idx, rowid, newTidItem(rowid, ptr, 1)); err != nil {
		return OutcomeInvisible, err
	}
	return OutcomeOK, nil
}

// markDead flags one row permanently invisible. Idempotent; a missing row is
// logged and ignored, since reclamation may race with physical removal.
func (t *tree) markDead(rowid RowID) error {
	ref, err := t.descend(rowid, lockExclusive)
	if err != nil {
		return err
	}
	p := ref.page()
	idx := p.findTidItem(rowid)
	if idx < 0 || !p.tidItemAt(idx).covers(rowid) {
		ref.unlockRelease()
		t.tbl.log.Warn("mark dead: row not found", "tree", t.id, "rowid", rowid)
		return nil
	}
	if p.tidItemAt(idx).dead {
		ref.unlockRelease()
		return nil
	}
	dead := newTidItem(rowid, InvalidUndoPtr, 1)
	dead.dead = true
	return t.tidReplaceItem(ref, idx, rowid, dead)
}

// undoAbortedDeletion rolls back an aborted delete. If another operation
// already advanced the pointer the call is a no-op; a pointer that moved
// backwards means the undo machinery replayed out of order.
func (t *tree) undoAbortedDeletion(rowid RowID, expected UndoPtr) error {
	ref, err := t.descend(rowid, lockExclusive)
	if err != nil {
		return err
	}
	p := ref.page()
	idx := p.findTidItem(rowid)
	if idx < 0 || !p.tidItemAt(idx).covers(rowid) {
		ref.unlockRelease()
		return contractViolation(t.id, rowid, "row not found for deletion rollback")
	}
	it := p.tidItemAt(idx)
	if it.undo != expected {
		ref.unlockRelease()
		if !expected.Precedes(it.undo) {
			return contractViolation(t.id, rowid, "undo pointer moved backwards")
		}
		return nil
	}
	return t.tidReplaceItem(ref, idx, rowid, newTidItem(rowid, InvalidUndoPtr, 1))
}

// collectDeadRowIDs walks leaves from start gathering dead row ids, stopping
// once the set would exceed memoryBudget bytes. Returns the resume point, or
// InvalidRowID when the whole tree was covered.
func (t *tree) collectDeadRowIDs(start RowID, memoryBudget int) ([]RowID, RowID, error) {
	const bytesPerRowID = 8

	if start < MinRowID {
		start = MinRowID
	}
	ref, err := t.descend(start, lockShared)
	if errors.Is(err, ErrTreeNotFound) {
		return nil, InvalidRowID, nil
	}
	if err != nil {
		return nil, InvalidRowID, err
	}

	var dead []RowID
	for {
		p := ref.page()
		for _, raw := range p.items {
			it := raw.(tidItem)
			if !it.dead || it.end() <= start {
				continue
			}
			for rowid := maxRowIDOf(it.firstRow, start); rowid < it.end(); rowid++ {
				// Always take at least one entry so caller loops make
				// progress under any budget.
				if len(dead) > 0 && (len(dead)+1)*bytesPerRowID > memoryBudget {
					ref.unlockRelease()
					return dead, rowid, nil
				}
				dead = append(dead, rowid)
			}
		}
		nextKey := p.highKey
		nextID := p.next
		if nextKey >= MaxPlusOneRowID || nextID == InvalidPageID {
			ref.unlockRelease()
			return dead, InvalidRowID, nil
		}
		nref, err := t.tbl.pool.pin(nextID)
		if err != nil {
			ref.unlockRelease()
			return nil, InvalidRowID, err
		}
		ref.unlockRelease()
		nref.lock(lockShared)
		if !nref.page().covers(t.id, nextKey, 0) {
			// The chain changed under us; re-descend at the boundary.
			nref.unlockRelease()
			nref, err = t.descend(nextKey, lockShared)
			if err != nil {
				return nil, InvalidRowID, err
			}
		}
		ref = nref
		start = nextKey
	}
}

func maxRowIDOf(a, b RowID) RowID {
	if a > b {
		return a
	}
	return b
}

// removeRowIDs physically deletes row ids from their pages, one leaf at a
// time. An emptied leaf is unlinked when possible, or left empty when its
// neighbors are busy.
func (t *tree) removeRowIDs(rowids []RowID) error {
	if len(rowids) == 0 {
		return nil
	}
	sorted := append([]RowID(nil), rowids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i := 0; i < len(sorted); {
		ref, err := t.descend(sorted[i], lockExclusive)
		if err != nil {
			return err
		}
		p := ref.page()

		// Row ids for this leaf.
		k := i
		for k < len(sorted) && sorted[k] < p.highKey {
			k++
		}
		pageIDs := sorted[i:k]

		var kept []item
		j := 0
		for _, raw := range p.items {
			it := raw.(tidItem)
			var hits []RowID
			for j < len(pageIDs) && pageIDs[j] < it.end() {
				if it.covers(pageIDs[j]) {
					hits = append(hits, pageIDs[j])
				}
				j++
			}
			if len(hits) == 0 {
				kept = append(kept, it)
				continue
			}
			for _, seg := range sliceOutOfTidItem(it, hits) {
				kept = append(kept, seg)
			}
		}

		if len(kept) == 0 {
			unlinked, err := t.unlinkPage(ref)
			if err != nil {
				ref.unlockRelease()
				return err
			}
			if !unlinked {
				if err := t.repackReplace(ref, nil); err != nil {
					ref.unlockRelease()
					return err
				}
			}
			ref.unlockRelease()
		} else {
			err := t.repackReplace(ref, kept)
			ref.unlockRelease()
			if err != nil {
				return err
			}
		}
		i = k
	}
	return nil
}

// sliceOutOfTidItem splits a run into the segments left after removing the
// given (sorted, covered) row ids. The segments keep the run's undo pointer
// and dead flag.
func sliceOutOfTidItem(it tidItem, remove []RowID) []tidItem {
	var out []tidItem
	segStart := it.firstRow
	for _, rowid := range remove {
		if rowid > segStart {
			seg := it
			seg.firstRow = segStart
			seg.count = uint32(rowid - segStart)
			out = append(out, seg)
		}
		segStart = rowid + 1
	}
	if segStart < it.end() {
		seg := it
		seg.firstRow = segStart
		seg.count = uint32(it.end() - segStart)
		out = append(out, seg)
	}
	return out
}

// findLatest follows the update chain from rowid to the latest version
// visible to the snapshot. New versions are always allocated past the old
// one, so the chain is strictly increasing and terminates at the last
// allocated row id regardless of its length.
func (t *tree) findLatest(rowid RowID, snap Snapshot) (RowID, error) {
	oldest := t.tbl.undo.OldestActivePtr()
	for {
		it, found, err := t.tidFetch(rowid)
		if err != nil {
			return InvalidRowID, err
		}
		if !found || it.dead {
			return InvalidRowID, nil
		}
		vis := t.tbl.oracle.Visible(snap, it.undo, oldest)
		if vis.Visible {
			return rowid, nil
		}
		if vis.NextRowID == InvalidRowID {
			return InvalidRowID, nil
		}
		if vis.NextRowID <= rowid {
			return InvalidRowID, contractViolation(t.id, rowid, "update chain does not advance")
		}
		rowid = vis.NextRowID
	}
}

// clearSpeculativeToken resolves the speculative token on a row's insert
// undo record.
func (t *tree) clearSpeculativeToken(rowid RowID) error {
	it, found, err := t.tidFetch(rowid)
	if err != nil {
		return err
	}
	if !found {
		return contractViolation(t.id, rowid, "row not found for speculative token clear")
	}
	if it.undo.Valid() {
		t.tbl.undo.ClearSpeculativeToken(it.undo)
	}
	return nil
}
