package colstore

// tree is one B-tree of a table. The row tree (MetaTree) and every attribute
// tree share this code; only the leaf item kind differs.
type tree struct {
	tbl *Table
	id  TreeID
}

// maxDescendRestarts bounds restarts from the root. Descents restart when a
// concurrent structural change invalidates the path; hitting the bound means
// the tree is corrupt, not busy.
const maxDescendRestarts = 256

// descend walks to the leaf covering rowid and returns it pinned and locked
// in the requested mode. Internal pages are locked shared and released before
// the child is locked, so a descent never holds two locks; concurrent splits
// are recovered by following right links.
func (t *tree) descend(rowid RowID, mode lockMode) (*pageRef, error) {
	return t.descendToLevel(rowid, 0, mode)
}

func (t *tree) descendToLevel(rowid RowID, level uint16, mode lockMode) (*pageRef, error) {
	for restarts := 0; restarts < maxDescendRestarts; restarts++ {
		ref, err := t.descendOnce(rowid, level, mode)
		if err != nil || ref != nil {
			return ref, err
		}
	}
	return nil, contractViolation(t.id, rowid, "descent did not converge at level %d", level)
}

// descendOnce returns (nil, nil) when the path was invalidated and the
// descent must restart from the root.
func (t *tree) descendOnce(rowid RowID, level uint16, mode lockMode) (*pageRef, error) {
	rootID, err := t.tbl.rootID(t.id, mode == lockExclusive)
	if err != nil {
		return nil, err
	}

	next := rootID
	expect := -1 // level expected at next, -1 while the root level is unknown
	for {
		ref, err := t.tbl.pool.pin(next)
		if err != nil {
			return nil, err
		}
		lm := lockShared
		if mode == lockExclusive && expect == int(level) {
			lm = lockExclusive
		}
		ref.lock(lm)
		p := ref.page()

		if !t.pageExpected(p, rowid, expect) {
			ref.unlockRelease()
			return nil, nil
		}

		// A concurrent split moved our range right.
		for rowid >= p.highKey {
			if p.next == InvalidPageID {
				ref.unlockRelease()
				return nil, nil
			}
			nref, err := t.tbl.pool.pin(p.next)
			if err != nil {
				ref.unlockRelease()
				return nil, err
			}
			ref.unlockRelease()
			nref.lock(lm)
			ref, p = nref, nref.page()
			if !t.pageExpected(p, rowid, expect) {
				ref.unlockRelease()
				return nil, nil
			}
		}

		if int(p.level) == int(level) {
			if mode == lockExclusive && lm == lockShared {
				// The root turned out to be the target level; trade the
				// lock up and re-validate.
				ref.unlock()
				ref.lock(lockExclusive)
				p = ref.page()
				if !p.covers(t.id, rowid, level) {
					ref.unlockRelease()
					return nil, nil
				}
			}
			return ref, nil
		}
		if p.isLeaf() {
			ref.unlockRelease()
			return nil, contractViolation(t.id, rowid, "no internal page at level %d", level)
		}

		i := p.findDownlink(rowid)
		if i < 0 {
			ref.unlockRelease()
			return nil, contractViolation(t.id, rowid, "page %d has no downlink for row", p.id)
		}
		next = p.downlinkAt(i).child
		expect = int(p.level) - 1
		ref.unlockRelease()
	}
}

func (t *tree) pageExpected(p *page, rowid RowID, expect int) bool {
	if p.isDeleted() || p.tree != t.id || rowid < p.lowKey {
		return false
	}
	return expect < 0 || int(p.level) == expect
}

// replacePage swaps a staged page image into ref's frame: marshal, WAL, then
// the in-memory swap. The staged page is never visible half-written.
// Caller holds the exclusive lock.
func (t *tree) replacePage(ref *pageRef, pg *page) error {
	buf, err := pg.marshal()
	if err != nil {
		return err
	}
	if t.tbl.pool.wal != nil {
		if err := t.tbl.pool.wal.AppendPage(ref.id, buf); err != nil {
			return err
		}
	}
	ref.frame.page = pg
	ref.markDirty()
	return nil
}

// insertDownlinks adds downlinks for freshly split children to the parent
// level. leftLowKey identifies the child that was split; the new entries go
// right after its downlink. Returns the parent's (possibly multi-page) split
// stack, locked and unapplied, so the whole split commits in one batch.
func (t *tree) insertDownlinks(leftLowKey RowID, level uint16, dls []item) (*splitStack, error) {
	ref, err := t.descendToLevel(leftLowKey, level, lockExclusive)
	if err != nil {
		return nil, err
	}
	p := ref.page()
	idx := p.findDownlink(leftLowKey)
	if idx < 0 {
		ref.unlockRelease()
		return nil, contractViolation(t.id, leftLowKey, "page %d has no downlink for split child", p.id)
	}
	items := make([]item, 0, len(p.items)+len(dls))
	items = append(items, p.items[:idx+1]...)
	items = append(items, dls...)
	items = append(items, p.items[idx+1:]...)
	return t.buildSplitStack(ref, items)
}

// unlinkPage detaches an emptied page from its level chain and parent, and
// recycles it. The caller holds ref exclusively locked with no items left on
// the page. Returns false, without error, when the page cannot be unlinked
// right now (root, leftmost under its parent, or left sibling busy); the
// caller then keeps the empty page in place.
func (t *tree) unlinkPage(ref *pageRef) (bool, error) {
	p := ref.page()
	if p.isRoot() {
		return false, nil
	}

	parentRef, err := t.descendToLevel(p.lowKey, p.level+1, lockExclusive)
	if err != nil {
		return false, err
	}
	pp := parentRef.page()
	idx := pp.findDownlink(p.lowKey)
	if idx < 0 || pp.downlinkAt(idx).child != ref.id {
		parentRef.unlockRelease()
		return false, nil
	}
	if idx == 0 {
		// The left sibling lives under another parent; not worth the
		// gymnastics, the page stays empty until a later pass.
		parentRef.unlockRelease()
		return false, nil
	}

	leftRef, err := t.tbl.pool.pin(pp.downlinkAt(idx - 1).child)
	if err != nil {
		parentRef.unlockRelease()
		return false, err
	}
	// Locking leftward against the descent order; never wait here.
	if !leftRef.tryLock(lockExclusive) {
		leftRef.release()
		parentRef.unlockRelease()
		return false, nil
	}
	lp := leftRef.page()
	if lp.isDeleted() || lp.tree != t.id || lp.next != ref.id {
		leftRef.unlockRelease()
		parentRef.unlockRelease()
		return false, nil
	}

	newLeft := lp.clone()
	newLeft.next = p.next
	newLeft.highKey = p.highKey

	newParent := pp.clone()
	rest := make([]item, 0, len(pp.items)-1)
	rest = append(rest, pp.items[:idx]...)
	rest = append(rest, pp.items[idx+1:]...)
	newParent.setItems(rest)

	dead := &page{id: p.id, tree: p.tree, level: p.level, flags: p.flags | pageDeleted}

	stack := &splitStack{ref: leftRef, pg: newLeft,
		next: &splitStack{ref: parentRef, pg: newParent,
			next: &splitStack{ref: ref, pg: dead}}}
	if err := t.applySplitChanges(stack, ref); err != nil {
		leftRef.unlockRelease()
		parentRef.unlockRelease()
		return false, err
	}
	t.tbl.pool.freePage(ref.id)
	return true, nil
}
