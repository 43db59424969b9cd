package colstore

import "sort"

// createAttrItems groups sorted, unique row ids and their values into
// exploded run items: one item per gap-free run, capped so a single item's
// payload never dominates a page.
func (t *tree) createAttrItems(rowids []RowID, values [][]byte) ([]*attrItem, error) {
	chunkMax := t.tbl.opts.attrChunkMax
	var out []*attrItem

	start := 0
	startSize := 0
	for i := range rowids {
		if !rowids[i].Valid() {
			return nil, contractViolation(t.id, rowids[i], "invalid row id")
		}
		if i > start {
			if rowids[i] <= rowids[i-1] {
				return nil, contractViolation(t.id, rowids[i], "row ids not sorted and unique")
			}
			if rowids[i] != rowids[i-1]+1 || startSize+2+len(values[i]) > chunkMax {
				out = append(out, newAttrItem(rowids[start], values[start:i]))
				start, startSize = i, 0
			}
		}
		startSize += 2 + len(values[i])
	}
	out = append(out, newAttrItem(rowids[start], values[start:]))
	return out, nil
}

// attrInsert stores values for the given row ids, page by page. New items
// whose range crosses a page boundary are split at the boundary; the
// remainder lands on the right sibling on the next pass.
func (t *tree) attrInsert(rowids []RowID, values [][]byte) error {
	if len(rowids) == 0 {
		return nil
	}
	if len(rowids) != len(values) {
		return contractViolation(t.id, InvalidRowID,
			"%d row ids with %d values", len(rowids), len(values))
	}
	newItems, err := t.createAttrItems(rowids, values)
	if err != nil {
		return err
	}

	for len(newItems) > 0 {
		ref, err := t.descend(newItems[0].firstRow, lockExclusive)
		if err != nil {
			return err
		}
		p := ref.page()

		// Everything that belongs on this page, split at the boundary.
		k := 0
		for k < len(newItems) && newItems[k].firstRow < p.highKey {
			k++
		}
		batch := newItems[:k]
		rest := newItems[k:]
		if k > 0 && batch[k-1].endRow > p.highKey {
			left, right, err := batch[k-1].split(t.id, t.tbl.codec, p.highKey)
			if err != nil {
				ref.unlockRelease()
				return err
			}
			batch = append(append([]*attrItem(nil), batch[:k-1]...), left)
			rest = append([]*attrItem{right}, rest...)
		}

		if err := t.attrAddItems(ref, batch); err != nil {
			return err
		}
		newItems = rest
	}
	return nil
}

// attrAddItems installs new items on the locked leaf behind ref: an in-place
// append when they extend the page and fit, otherwise a full merge with
// overlap splitting, recompression, and repack. Consumes ref.
func (t *tree) attrAddItems(ref *pageRef, add []*attrItem) error {
	defer ref.unlockRelease()
	p := ref.page()

	lastEnd := p.lowKey
	if n := len(p.items); n > 0 {
		lastEnd = p.attrItemAt(n - 1).endRow
	}
	growth := 0
	for _, it := range add {
		growth += it.size()
	}
	if len(add) > 0 && add[0].firstRow >= lastEnd && growth <= p.freeSpace() {
		np := p.clone()
		for _, it := range add {
			if err := np.addItem(it); err != nil {
				return err
			}
		}
		return t.replacePage(ref, np)
	}

	old := make([]*attrItem, len(p.items))
	for i := range p.items {
		old[i] = p.attrItemAt(i)
	}
	merged, err := t.mergeAttrItems(old, add)
	if err != nil {
		return err
	}
	merged = recompressAttrItems(t.id, t.tbl.codec, merged, t.tbl.opts.attrChunkMax)
	items := make([]item, len(merged))
	for i, it := range merged {
		items[i] = it
	}
	return t.repackReplace(ref, items)
}

// mergeAttrItems interleaves two ordered item streams. When a stream's head
// overlaps the other's, the earlier item is split at the later one's start so
// the output stays non-overlapping. Two items starting at the same row id
// mean the caller presented a duplicate value, which it promised not to.
func (t *tree) mergeAttrItems(a, b []*attrItem) ([]*attrItem, error) {
	var out []*attrItem
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].firstRow == b[j].firstRow {
			return nil, contractViolation(t.id, a[i].firstRow, "duplicate row id inserted")
		}
		cur, other := a[i], b[j]
		if cur.firstRow > other.firstRow {
			cur, other = other, cur
		}
		if other.firstRow < cur.endRow {
			left, right, err := cur.split(t.id, t.tbl.codec, other.firstRow)
			if err != nil {
				return nil, err
			}
			out = append(out, left)
			if a[i].firstRow < b[j].firstRow {
				a[i] = right
			} else {
				b[j] = right
			}
			continue
		}
		out = append(out, cur)
		if a[i].firstRow < b[j].firstRow {
			i++
		} else {
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out, nil
}

// attrRemove slices row ids out of the tree, one leaf at a time. Emptied
// leaves are unlinked when their neighbors allow it.
func (t *tree) attrRemove(rowids []RowID) error {
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

		k := i
		for k < len(sorted) && sorted[k] < p.highKey {
			k++
		}
		pageIDs := sorted[i:k]

		var kept []*attrItem
		j := 0
		abort := func(err error) error {
			ref.unlockRelease()
			return err
		}
		failed := false
		var ferr error
		for n := 0; n < len(p.items); n++ {
			it := p.attrItemAt(n)
			var hits []RowID
			for j < len(pageIDs) && pageIDs[j] < it.endRow {
				if it.covers(pageIDs[j]) {
					hits = append(hits, pageIDs[j])
				}
				j++
			}
			if len(hits) == 0 {
				kept = append(kept, it)
				continue
			}
			segs, err := sliceOutOfAttrItem(t.id, t.tbl.codec, it, hits)
			if err != nil {
				failed, ferr = true, err
				break
			}
			kept = append(kept, segs...)
		}
		if failed {
			return abort(ferr)
		}

		if len(kept) == 0 {
			unlinked, err := t.unlinkPage(ref)
			if err != nil {
				return abort(err)
			}
			if !unlinked {
				if err := t.repackReplace(ref, nil); err != nil {
					return abort(err)
				}
			}
			ref.unlockRelease()
		} else {
			kept = recompressAttrItems(t.id, t.tbl.codec, kept, t.tbl.opts.attrChunkMax)
			items := make([]item, len(kept))
			for n, it := range kept {
				items[n] = it
			}
			err := t.repackReplace(ref, items)
			ref.unlockRelease()
			if err != nil {
				return err
			}
		}
		i = k
	}
	return nil
}

// sliceOutOfAttrItem returns the exploded segments left after removing the
// given (sorted, covered) row ids from one item.
func sliceOutOfAttrItem(tree TreeID, codec Codec, it *attrItem, remove []RowID) ([]*attrItem, error) {
	ex, err := it.explode(tree, codec)
	if err != nil {
		return nil, err
	}
	var out []*attrItem
	segStart := ex.firstRow
	for _, rowid := range remove {
		if rowid > segStart {
			lo := int(segStart - ex.firstRow)
			hi := int(rowid - ex.firstRow)
			out = append(out, newAttrItem(segStart, ex.elems[lo:hi:hi]))
		}
		segStart = rowid + 1
	}
	if segStart < ex.endRow {
		lo := int(segStart - ex.firstRow)
		out = append(out, newAttrItem(segStart, ex.elems[lo:]))
	}
	return out, nil
}
