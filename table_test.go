package colstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTablePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "table.db")

	tbl, err := Open(path)
	require.NoError(t, err)

	rowids, err := tbl.InsertMany(20, FrozenTxID, 0)
	require.NoError(t, err)
	values := make([][]byte, len(rowids))
	for i := range values {
		values[i] = bytes.Repeat([]byte{byte('a' + i)}, 50)
	}
	require.NoError(t, tbl.AttrInsert(1, rowids, values))
	require.NoError(t, tbl.MarkDead(5))
	require.NoError(t, tbl.Close())

	tbl, err = Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	last, err := tbl.GetLastRowID()
	require.NoError(t, err)
	assert.Equal(t, RowID(20), last)

	got := scanRowIDs(t, tbl, MinRowID, MaxPlusOneRowID, nil)
	assert.Len(t, got, 19)
	assert.NotContains(t, got, RowID(5))

	vals := scanAttrValues(t, tbl, 1, MinRowID, MaxPlusOneRowID)
	require.Len(t, vals, 20)
	for i, rowid := range rowids {
		assert.Equal(t, values[i], vals[rowid])
	}
}

// An abandoned table (no Close, no checkpoint) recovers through WAL replay.
func TestTableRecoversFromWAL(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "table.db")

	tbl, err := Open(path, WithSyncEveryAppend())
	require.NoError(t, err)
	_, err = tbl.InsertMany(10, FrozenTxID, 0)
	require.NoError(t, err)
	out, err := tbl.Delete(3, 10, 0, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, out)
	// no Close: simulate the process dying here

	tbl2, err := Open(path)
	require.NoError(t, err)
	defer tbl2.Close()

	last, err := tbl2.GetLastRowID()
	require.NoError(t, err)
	assert.Equal(t, RowID(10), last)
	assert.Len(t, scanRowIDs(t, tbl2, MinRowID, MaxPlusOneRowID, nil), 10)
}

func TestTableWithoutWAL(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "table.db")

	tbl, err := Open(path, WithoutWAL())
	require.NoError(t, err)
	_, err = tbl.InsertMany(5, FrozenTxID, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Close())

	_, err = os.Stat(path + ".wal")
	assert.True(t, os.IsNotExist(err))

	tbl, err = Open(path, WithoutWAL())
	require.NoError(t, err)
	defer tbl.Close()
	assert.Len(t, scanRowIDs(t, tbl, MinRowID, MaxPlusOneRowID, nil), 5)
}

func TestOpenRejectsCorruptMeta(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "table.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xab}, PageSize), 0600))

	_, err := Open(path, WithoutWAL())
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestClosedTableRejectsOperations(t *testing.T) {
	t.Parallel()
	tbl, err := Open("")
	require.NoError(t, err)
	_, err = tbl.InsertMany(1, FrozenTxID, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close()) // idempotent

	_, err = tbl.InsertMany(1, FrozenTxID, 0)
	assert.ErrorIs(t, err, ErrTableClosed)
	_, err = tbl.GetLastRowID()
	assert.ErrorIs(t, err, ErrTableClosed)
	_, err = tbl.Delete(1, 10, 0, nil)
	assert.ErrorIs(t, err, ErrTableClosed)
	err = tbl.AttrInsert(1, []RowID{1}, [][]byte{nil})
	assert.ErrorIs(t, err, ErrTableClosed)
	assert.ErrorIs(t, tbl.Checkpoint(), ErrTableClosed)
}

func TestCheckpointBoundsReplay(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "table.db")

	tbl, err := Open(path)
	require.NoError(t, err)
	_, err = tbl.InsertMany(5, FrozenTxID, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Checkpoint())
	_, err = tbl.InsertMany(5, FrozenTxID, 0)
	require.NoError(t, err)
	// abandoned without Close

	tbl2, err := Open(path)
	require.NoError(t, err)
	defer tbl2.Close()
	assert.Len(t, scanRowIDs(t, tbl2, MinRowID, MaxPlusOneRowID, nil), 10)
}

func TestMetaRoundTrip(t *testing.T) {
	t.Parallel()

	tbl := &Table{roots: map[TreeID]PageID{MetaTree: 2, 1: 7, 4: 19}}
	roots, err := unmarshalMeta(tbl.marshalMeta())
	require.NoError(t, err)
	assert.Equal(t, tbl.roots, roots)

	buf := tbl.marshalMeta()
	buf[30] ^= 0xff
	_, err = unmarshalMeta(buf)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestWALPathOverridesLocation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "table.db")
	walPath := filepath.Join(dir, "journal.wal")

	tbl, err := Open(path, WithWALPath(walPath))
	require.NoError(t, err)
	_, err = tbl.InsertMany(5, FrozenTxID, 0)
	require.NoError(t, err)

	_, err = os.Stat(walPath)
	require.NoError(t, err)
	_, err = os.Stat(path + ".wal")
	assert.True(t, os.IsNotExist(err))
	// abandoned without Close; replay must find the overridden location

	tbl2, err := Open(path, WithWALPath(walPath))
	require.NoError(t, err)
	defer tbl2.Close()
	assert.Len(t, scanRowIDs(t, tbl2, MinRowID, MaxPlusOneRowID, nil), 5)
}

// Writers appending rows, a scanner, and a checkpoint loop all run at once;
// every scan must stay ordered and the final image must survive a reopen.
func TestConcurrentWritersScanAndCheckpoint(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "table.db")
	tbl, err := Open(path, WithSyncOff())
	require.NoError(t, err)

	_, err = tbl.InsertMany(64, FrozenTxID, 0)
	require.NoError(t, err)

	const writers = 4
	const batches = 150
	errc := make(chan error, writers+2)

	var writerWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writerWG.Add(1)
		go func() {
			defer writerWG.Done()
			for i := 0; i < batches; i++ {
				if _, err := tbl.InsertMany(3, FrozenTxID, 0); err != nil {
					errc <- err
					return
				}
			}
		}()
	}

	stop := make(chan struct{})
	var auxWG sync.WaitGroup
	auxWG.Add(1)
	go func() {
		defer auxWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := tbl.Checkpoint(); err != nil {
				errc <- err
				return
			}
		}
	}()
	auxWG.Add(1)
	go func() {
		defer auxWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			scan := tbl.NewRowScan(MinRowID, MaxPlusOneRowID, nil)
			prev := InvalidRowID
			for {
				rowid, ok, err := scan.Next()
				if err != nil {
					scan.Close()
					errc <- err
					return
				}
				if !ok {
					break
				}
				if rowid <= prev {
					scan.Close()
					errc <- fmt.Errorf("scan went backwards: %d after %d", rowid, prev)
					return
				}
				prev = rowid
			}
			scan.Close()
		}
	}()

	writerWG.Wait()
	close(stop)
	auxWG.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}

	want := 64 + writers*batches*3
	assert.Len(t, scanRowIDs(t, tbl, MinRowID, MaxPlusOneRowID, nil), want)
	require.NoError(t, tbl.Close())

	tbl2, err := Open(path)
	require.NoError(t, err)
	defer tbl2.Close()
	assert.Len(t, scanRowIDs(t, tbl2, MinRowID, MaxPlusOneRowID, nil), want)
}
