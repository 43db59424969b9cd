package colstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageImageFor(t *testing.T, id PageID, rowid RowID) []byte {
	t.Helper()
	pg := newLeafPage(MetaTree, MinRowID, MaxPlusOneRowID, 0)
	pg.id = id
	require.NoError(t, pg.addItem(newTidItem(rowid, InvalidUndoPtr, 1)))
	buf, err := pg.marshal()
	require.NoError(t, err)
	return buf
}

func replayAll(t *testing.T, w *WAL) map[PageID][]byte {
	t.Helper()
	got := make(map[PageID][]byte)
	require.NoError(t, w.Replay(func(id PageID, data []byte) error {
		got[id] = append([]byte(nil), data...)
		return nil
	}))
	return got
}

func TestWALAppendAndReplay(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := NewWAL(path, SyncEveryAppend, 0)
	require.NoError(t, err)

	img2 := pageImageFor(t, 2, 10)
	img3 := pageImageFor(t, 3, 20)
	img2b := pageImageFor(t, 2, 11)
	require.NoError(t, w.AppendPage(2, img2))
	require.NoError(t, w.AppendPage(3, img3))
	require.NoError(t, w.AppendPage(2, img2b))
	require.NoError(t, w.Close())

	w, err = NewWAL(path, SyncEveryAppend, 0)
	require.NoError(t, err)
	defer w.Close()

	got := replayAll(t, w)
	require.Len(t, got, 2)
	// later images win: replay applies oldest first
	assert.Equal(t, img2b, got[2])
	assert.Equal(t, img3, got[3])
}

func TestWALCheckpointClearsPending(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := NewWAL(path, SyncOff, 0)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendPage(2, pageImageFor(t, 2, 10)))
	require.NoError(t, w.AppendCheckpoint())
	img := pageImageFor(t, 3, 20)
	require.NoError(t, w.AppendPage(3, img))

	got := replayAll(t, w)
	require.Len(t, got, 1)
	assert.Equal(t, img, got[3])
}

func TestWALBatchReplaysAtomically(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := NewWAL(path, SyncOff, 0)
	require.NoError(t, err)

	img2 := pageImageFor(t, 2, 10)
	img3 := pageImageFor(t, 3, 20)
	img4 := pageImageFor(t, 4, 30)
	require.NoError(t, w.AppendBatch([]PageImage{{ID: 2, Data: img2}, {ID: 3, Data: img3}, {ID: 4, Data: img4}}))

	got := replayAll(t, w)
	require.Len(t, got, 3)
	assert.Equal(t, img2, got[2])
	assert.Equal(t, img3, got[3])
	assert.Equal(t, img4, got[4])

	// cut the batch record short: none of its images may replay
	require.NoError(t, w.Close())
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-PageSize))

	w, err = NewWAL(path, SyncOff, 0)
	require.NoError(t, err)
	defer w.Close()
	assert.Empty(t, replayAll(t, w))

	// the torn tail was discarded from the file as well
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestWALTornTailTruncated(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := NewWAL(path, SyncOff, 0)
	require.NoError(t, err)
	img := pageImageFor(t, 2, 10)
	require.NoError(t, w.AppendPage(2, img))
	require.NoError(t, w.AppendPage(3, pageImageFor(t, 3, 20)))
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	intact := info.Size() / 2
	require.NoError(t, os.Truncate(path, info.Size()-100))

	w, err = NewWAL(path, SyncOff, 0)
	require.NoError(t, err)
	defer w.Close()

	got := replayAll(t, w)
	require.Len(t, got, 1)
	assert.Equal(t, img, got[2])

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, intact, info.Size())
}

func TestWALRejectsCorruptRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := NewWAL(path, SyncOff, 0)
	require.NoError(t, err)
	require.NoError(t, w.AppendPage(2, pageImageFor(t, 2, 10)))
	require.NoError(t, w.Close())

	// flip one byte in the page image
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[walHeaderSize+100] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	w, err = NewWAL(path, SyncOff, 0)
	require.NoError(t, err)
	defer w.Close()
	assert.Empty(t, replayAll(t, w))
}

func TestWALTruncate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := NewWAL(path, SyncBytes, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendPage(2, pageImageFor(t, 2, 10)))
	require.NoError(t, w.ForceSync())
	require.NoError(t, w.Truncate())

	assert.Empty(t, replayAll(t, w))
	require.NoError(t, w.AppendPage(3, pageImageFor(t, 3, 20)))
	assert.Len(t, replayAll(t, w), 1)
}
