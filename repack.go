package colstore

// splitStack is the chain of staged page changes for one structural
// modification: the repacked page, its new right siblings, and every parent
// page touched by downlink insertion. All refs are held exclusively locked
// until the whole chain is applied in one batch.
type splitStack struct {
	next  *splitStack
	ref   *pageRef
	pg    *page // staged image, swapped into ref's frame at apply
	fresh bool  // allocated for this change, recycled if it aborts
}

// repackReplace rewrites the page behind ref with the given items,
// redistributing across new right siblings when they no longer fit. ref must
// be exclusively locked; it stays locked and pinned for the caller. All new
// pages are allocated before anything is mutated, so failure leaves the tree
// untouched.
func (t *tree) repackReplace(ref *pageRef, items []item) error {
	stack, err := t.buildSplitStack(ref, items)
	if err != nil {
		return err
	}
	if err := t.applySplitChanges(stack, ref); err != nil {
		t.releaseStack(stack, ref)
		return err
	}
	return nil
}

// buildSplitStack packs items into page images and allocates whatever new
// pages and parent-level changes the packing requires. Nothing is mutated;
// the returned stack is applied (or released) by the caller. On error all
// allocations made here are already released.
func (t *tree) buildSplitStack(ref *pageRef, items []item) (*splitStack, error) {
	orig := ref.page()
	pages, err := t.packPages(orig, items)
	if err != nil {
		return nil, err
	}

	head := &splitStack{ref: ref, pg: pages[0]}
	if len(pages) == 1 {
		pages[0].next = orig.next
		return head, nil
	}

	tail := head
	for _, pg := range pages[1:] {
		nref, err := t.tbl.pool.allocate(t.id)
		if err != nil {
			t.releaseStack(head, ref)
			return nil, err
		}
		pg.id = nref.id
		tail.next = &splitStack{ref: nref, pg: pg, fresh: true}
		tail = tail.next
	}
	for i := 0; i < len(pages)-1; i++ {
		pages[i].next = pages[i+1].id
	}
	pages[len(pages)-1].next = orig.next

	dls := make([]item, 0, len(pages)-1)
	for _, pg := range pages[1:] {
		dls = append(dls, downlink{sep: pg.lowKey, child: pg.id})
	}

	if orig.isRoot() {
		rootRef, err := t.tbl.pool.allocate(t.id)
		if err != nil {
			t.releaseStack(head, ref)
			return nil, err
		}
		root := newInternalPage(t.id, orig.level+1, MinRowID, MaxPlusOneRowID, pageRoot)
		root.id = rootRef.id
		rootItems := make([]item, 0, len(pages))
		rootItems = append(rootItems, downlink{sep: pages[0].lowKey, child: pages[0].id})
		rootItems = append(rootItems, dls...)
		root.setItems(rootItems)
		if root.used > pageCapacity {
			rootRef.unlockRelease()
			t.tbl.pool.freePage(rootRef.id)
			t.releaseStack(head, ref)
			return nil, contractViolation(t.id, orig.lowKey, "new root page overflows")
		}
		pages[0].flags &^= pageRoot
		tail.next = &splitStack{ref: rootRef, pg: root, fresh: true}
		return head, nil
	}

	sub, err := t.insertDownlinks(orig.lowKey, orig.level+1, dls)
	if err != nil {
		t.releaseStack(head, ref)
		return nil, err
	}
	tail.next = sub
	return head, nil
}

// packPages distributes items into fresh page images. The first image keeps
// the original page's identity and lowKey; each break point becomes the
// boundary key between two siblings. The rightmost page of a tree keeps 90%
// of the slack so appends stay cheap; interior splits spread slack evenly.
func (t *tree) packPages(orig *page, items []item) ([]*page, error) {
	total := 0
	for _, it := range items {
		if it.size() > pageCapacity {
			return nil, contractViolation(t.id, it.first(),
				"item of %d bytes exceeds page capacity", it.size())
		}
		total += it.size()
	}
	nPages := (total + pageCapacity - 1) / pageCapacity
	if nPages == 0 {
		nPages = 1
	}
	reserve := 0
	if nPages > 1 {
		totalFree := nPages*pageCapacity - total
		if orig.highKey == MaxPlusOneRowID {
			reserve = totalFree / 10 / (nPages - 1)
		} else {
			reserve = totalFree / nPages
		}
	}

	cur := &page{id: orig.id, tree: orig.tree, level: orig.level,
		flags: orig.flags, lowKey: orig.lowKey, highKey: orig.highKey}
	pages := []*page{cur}
	for _, it := range items {
		if len(cur.items) > 0 && (cur.freeSpace() < it.size() || cur.freeSpace() < reserve) {
			nxt := &page{tree: orig.tree, level: orig.level,
				flags: orig.flags &^ pageRoot, lowKey: it.first(), highKey: orig.highKey}
			cur.highKey = it.first()
			cur = nxt
			pages = append(pages, cur)
		}
		if err := cur.addItem(it); err != nil {
			return nil, err
		}
	}
	for _, pg := range pages {
		if err := pg.checkOrder(t.id); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

// applySplitChanges commits a staged stack: every image is marshaled and
// logged as one WAL batch, then swapped into its frame. On error nothing has
// been swapped and no refs are released. On success every ref except keep is
// unlocked and released, and a new root (if the stack grew one) is installed.
func (t *tree) applySplitChanges(stack *splitStack, keep *pageRef) error {
	var images []PageImage
	for e := stack; e != nil; e = e.next {
		buf, err := e.pg.marshal()
		if err != nil {
			return err
		}
		images = append(images, PageImage{ID: e.ref.id, Data: buf})
	}
	if t.tbl.pool.wal != nil {
		if err := t.tbl.pool.wal.AppendBatch(images); err != nil {
			return err
		}
	}

	newRoot := InvalidPageID
	for e := stack; e != nil; e = e.next {
		e.ref.frame.page = e.pg
		e.ref.markDirty()
		if e.fresh && e.pg.isRoot() {
			newRoot = e.ref.id
		}
	}
	for e := stack; e != nil; e = e.next {
		if e.ref != keep {
			e.ref.unlockRelease()
		}
	}
	if newRoot != InvalidPageID {
		if err := t.tbl.setRoot(t.id, newRoot); err != nil {
			return err
		}
	}
	return nil
}

// releaseStack abandons a staged stack, recycling pages allocated for it.
// keep's ref is left locked and pinned for the caller.
func (t *tree) releaseStack(stack *splitStack, keep *pageRef) {
	for e := stack; e != nil; e = e.next {
		if e.ref == keep {
			continue
		}
		e.ref.unlockRelease()
		if e.fresh {
			t.tbl.pool.freePage(e.ref.id)
		}
	}
}
