package colstore

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attrItemOfSize builds a single-row item whose encoded size is exactly sz.
func attrItemOfSize(rowid RowID, sz int) *attrItem {
	return newAttrItem(rowid, [][]byte{bytes.Repeat([]byte{'v'}, sz-attrItemHeaderSize-2)})
}

func uniformItems(n, sz int) []item {
	items := make([]item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, attrItemOfSize(RowID(1+i), sz))
	}
	return items
}

func TestPackPagesSingleUnderfullPage(t *testing.T) {
	t.Parallel()

	tr := &tree{id: 2}
	orig := newLeafPage(2, MinRowID, MaxPlusOneRowID, pageRoot)
	orig.id = 9

	pages, err := tr.packPages(orig, uniformItems(3, 1016))
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, PageID(9), pages[0].id)
	assert.Equal(t, MinRowID, pages[0].lowKey)
	assert.Equal(t, MaxPlusOneRowID, pages[0].highKey)
	assert.True(t, pages[0].isRoot())
	assert.Len(t, pages[0].items, 3)
}

// With uniform item sizes that divide the page capacity evenly, the split
// produces exactly ceil(total/capacity) pages, whatever the slack policy.
func TestPackPagesPageCountIsCeiling(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	tr := &tree{id: 1}
	for trial := 0; trial < 200; trial++ {
		sz := []int{508, 1016}[rng.Intn(2)]
		n := 1 + rng.Intn(60)
		rightmost := rng.Intn(2) == 0

		highKey := RowID(n) + 1
		if rightmost {
			highKey = MaxPlusOneRowID
		}
		orig := newLeafPage(1, MinRowID, highKey, 0)
		orig.id = 5

		pages, err := tr.packPages(orig, uniformItems(n, sz))
		require.NoError(t, err)

		want := (n*sz + pageCapacity - 1) / pageCapacity
		assert.Len(t, pages, want, "n=%d sz=%d rightmost=%v", n, sz, rightmost)
	}
}

func TestPackPagesSlackDistribution(t *testing.T) {
	t.Parallel()

	tr := &tree{id: 1}
	counts := func(highKey RowID) []int {
		orig := newLeafPage(1, MinRowID, highKey, 0)
		orig.id = 5
		pages, err := tr.packPages(orig, uniformItems(20, 1016))
		require.NoError(t, err)
		out := make([]int, 0, len(pages))
		for _, pg := range pages {
			out = append(out, len(pg.items))
		}
		return out
	}

	// interior split spreads the slack; rightmost split keeps it on the tail
	// page so future appends land on a roomy page
	assert.Equal(t, []int{7, 7, 6}, counts(RowID(21)))
	assert.Equal(t, []int{8, 8, 4}, counts(MaxPlusOneRowID))
}

func TestPackPagesPreservesItemsAndKeys(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	tr := &tree{id: 3}
	for trial := 0; trial < 50; trial++ {
		var items []item
		next := MinRowID
		for total := 0; total < 3*pageCapacity; {
			sz := 30 + rng.Intn(900)
			items = append(items, attrItemOfSize(next, sz))
			next++
			total += sz
		}

		orig := newLeafPage(3, MinRowID, MaxPlusOneRowID, pageRoot)
		orig.id = 11
		pages, err := tr.packPages(orig, items)
		require.NoError(t, err)
		require.Greater(t, len(pages), 1)

		assert.Equal(t, PageID(11), pages[0].id)
		assert.Equal(t, MinRowID, pages[0].lowKey)
		assert.Equal(t, MaxPlusOneRowID, pages[len(pages)-1].highKey)

		var got []item
		for i, pg := range pages {
			assert.LessOrEqual(t, pg.used, pageCapacity)
			assert.NotEmpty(t, pg.items)
			if i > 0 {
				assert.Equal(t, pages[i-1].highKey, pg.lowKey)
				assert.Equal(t, pg.items[0].first(), pg.lowKey)
			}
			got = append(got, pg.items...)
		}
		assert.Equal(t, items, got)
	}
}

func TestPackPagesRejectsOversizeItem(t *testing.T) {
	t.Parallel()

	tr := &tree{id: 1}
	orig := newLeafPage(1, MinRowID, MaxPlusOneRowID, 0)
	huge := newAttrItem(1, [][]byte{bytes.Repeat([]byte{'x'}, pageCapacity)})

	_, err := tr.packPages(orig, []item{huge})
	assert.ErrorIs(t, err, &EngineError{Kind: KindContractViolation})
}
