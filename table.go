package colstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// metaPageID is reserved for the tree-roots directory; data pages start at 2.
const metaPageID PageID = 1

const metaMagic uint32 = 0x636c736d // "clsm"

// Table is one columnar table: a row tree carrying MVCC metadata and one
// attribute tree per column, all keyed by the same RowID space. The row tree
// is authoritative for whether a row id exists; attribute trees store values
// only.
type Table struct {
	opts   TableOptions
	store  pageStore
	pool   *pool
	wal    *WAL
	undo   UndoLog
	oracle VisibilityOracle
	codec  Codec
	log    Logger

	mu     sync.RWMutex
	roots  map[TreeID]PageID
	closed bool
}

// Open opens or creates a table. An empty path opens an in-memory table
// without a WAL.
func Open(path string, options ...TableOption) (*Table, error) {
	opts := defaultTableOptions()
	for _, opt := range options {
		opt(&opts)
	}

	var store pageStore
	var wal *WAL
	if path == "" {
		store = newMemStore()
	} else {
		fs, err := openFileStore(path)
		if err != nil {
			return nil, err
		}
		store = fs
		if !opts.walDisabled {
			walPath := opts.walPath
			if walPath == "" {
				walPath = path + ".wal"
			}
			wal, err = NewWAL(walPath, opts.syncMode, opts.syncBytes)
			if err != nil {
				store.Close()
				return nil, err
			}
			if err := wal.Replay(store.WritePage); err != nil {
				wal.Close()
				store.Close()
				return nil, err
			}
		}
	}

	tbl := &Table{
		opts:   opts,
		store:  store,
		wal:    wal,
		undo:   opts.undo,
		oracle: opts.oracle,
		codec:  opts.codec,
		log:    opts.logger,
		roots:  make(map[TreeID]PageID),
	}
	if tbl.undo == nil {
		tbl.undo = NewMemUndoLog()
	}
	if tbl.oracle == nil {
		tbl.oracle = alwaysVisible{}
	}

	if store.NumPages() == 0 {
		if err := store.WritePage(metaPageID, tbl.marshalMeta()); err != nil {
			tbl.cleanup()
			return nil, err
		}
	} else {
		buf, err := store.ReadPage(metaPageID)
		if err != nil {
			tbl.cleanup()
			return nil, err
		}
		roots, err := unmarshalMeta(buf)
		if err != nil {
			tbl.cleanup()
			return nil, err
		}
		tbl.roots = roots
	}

	pool, err := newPool(store, wal, opts.cachePages, opts.maxPages, tbl.log)
	if err != nil {
		tbl.cleanup()
		return nil, err
	}
	tbl.pool = pool
	return tbl, nil
}

func (tbl *Table) cleanup() {
	if tbl.wal != nil {
		tbl.wal.Close()
	}
	tbl.store.Close()
}

// alwaysVisible is the default oracle for single-writer embeddings with no
// snapshot isolation: every version is visible and every write may proceed.
type alwaysVisible struct{}

func (alwaysVisible) Visible(Snapshot, UndoPtr, UndoPtr) VisState {
	return VisState{Visible: true}
}

func (alwaysVisible) CheckUpdate(Snapshot, RowID, UndoPtr, LockMode, UndoPtr) UpdateCheck {
	return UpdateCheck{Outcome: OutcomeOK, KeepOldPtr: true}
}

func (tbl *Table) rowTree() *tree            { return &tree{tbl: tbl, id: MetaTree} }
func (tbl *Table) attrTree(attno TreeID) *tree { return &tree{tbl: tbl, id: attno} }

func (tbl *Table) checkOpen() error {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	if tbl.closed {
		return ErrTableClosed
	}
	return nil
}

func (tbl *Table) checkAttr(attno TreeID) error {
	if attno == MetaTree {
		return fmt.Errorf("tree %d is the row tree, not an attribute: %w", attno, ErrTreeNotFound)
	}
	return tbl.checkOpen()
}

// rootID returns the root page of a tree, creating a single-leaf root when
// create is set and the tree does not exist yet.
func (tbl *Table) rootID(id TreeID, create bool) (PageID, error) {
	tbl.mu.RLock()
	if tbl.closed {
		tbl.mu.RUnlock()
		return InvalidPageID, ErrTableClosed
	}
	root := tbl.roots[id]
	tbl.mu.RUnlock()
	if root != InvalidPageID {
		return root, nil
	}
	if !create {
		return InvalidPageID, ErrTreeNotFound
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tbl.closed {
		return InvalidPageID, ErrTableClosed
	}
	if root := tbl.roots[id]; root != InvalidPageID {
		return root, nil
	}

	ref, err := tbl.pool.allocate(id)
	if err != nil {
		return InvalidPageID, err
	}
	pg := newLeafPage(id, MinRowID, MaxPlusOneRowID, pageRoot)
	pg.id = ref.id
	t := tree{tbl: tbl, id: id}
	if err := t.replacePage(ref, pg); err != nil {
		ref.unlockRelease()
		tbl.pool.freePage(ref.id)
		return InvalidPageID, err
	}
	ref.unlockRelease()

	tbl.roots[id] = pg.id
	if err := tbl.writeMetaLocked(); err != nil {
		return InvalidPageID, err
	}
	return pg.id, nil
}

// setRoot installs a new root after a root split.
func (tbl *Table) setRoot(id TreeID, root PageID) error {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tbl.roots[id] = root
	return tbl.writeMetaLocked()
}

func (tbl *Table) writeMetaLocked() error {
	buf := tbl.marshalMeta()
	if tbl.wal != nil {
		if err := tbl.wal.AppendPage(metaPageID, buf); err != nil {
			return err
		}
	}
	return tbl.store.WritePage(metaPageID, buf)
}

// Meta page layout: [magic:4][version:2][pad:2][nTrees:4][pad:4][checksum:8]
// then nTrees entries of [tree:4][root:8].
func (tbl *Table) marshalMeta() []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:], metaMagic)
	binary.LittleEndian.PutUint16(buf[4:], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(tbl.roots)))
	off := 24
	for id, root := range tbl.roots {
		binary.LittleEndian.PutUint32(buf[off:], uint32(id))
		binary.LittleEndian.PutUint64(buf[off+4:], uint64(root))
		off += 12
	}
	binary.LittleEndian.PutUint64(buf[16:], 0)
	sum := xxhash.Sum64(buf)
	binary.LittleEndian.PutUint64(buf[16:], sum)
	return buf
}

func unmarshalMeta(buf []byte) (map[TreeID]PageID, error) {
	if len(buf) != PageSize || binary.LittleEndian.Uint32(buf[0:]) != metaMagic {
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint16(buf[4:]) != FormatVersion {
		return nil, ErrInvalidVersion
	}
	stored := binary.LittleEndian.Uint64(buf[16:])
	cp := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint64(cp[16:], 0)
	if xxhash.Sum64(cp) != stored {
		return nil, ErrChecksum
	}
	n := int(binary.LittleEndian.Uint32(buf[8:]))
	if 24+n*12 > PageSize {
		return nil, ErrInvalidOffset
	}
	roots := make(map[TreeID]PageID, n)
	off := 24
	for i := 0; i < n; i++ {
		id := TreeID(binary.LittleEndian.Uint32(buf[off:]))
		roots[id] = PageID(binary.LittleEndian.Uint64(buf[off+4:]))
		off += 12
	}
	return roots, nil
}

// Checkpoint flushes every dirty page, syncs the page store, and marks the
// WAL so replay skips everything before this point.
func (tbl *Table) Checkpoint() error {
	if err := tbl.checkOpen(); err != nil {
		return err
	}
	if err := tbl.pool.checkpoint(); err != nil {
		return err
	}
	if tbl.wal != nil {
		if err := tbl.wal.AppendCheckpoint(); err != nil {
			return err
		}
		return tbl.wal.ForceSync()
	}
	return nil
}

// Close checkpoints and closes the table. Further operations return
// ErrTableClosed.
func (tbl *Table) Close() error {
	tbl.mu.Lock()
	if tbl.closed {
		tbl.mu.Unlock()
		return nil
	}
	tbl.closed = true
	tbl.mu.Unlock()

	if err := tbl.pool.close(); err != nil {
		return err
	}
	if tbl.wal != nil {
		if err := tbl.wal.AppendCheckpoint(); err != nil {
			return err
		}
		return tbl.wal.Close()
	}
	return nil
}

// InsertMany allocates count consecutive fresh row ids at the row tree's
// append point and records one insert undo record covering the whole run.
func (tbl *Table) InsertMany(count int, xid TxID, cid CommandID) ([]RowID, error) {
	if err := tbl.checkOpen(); err != nil {
		return nil, err
	}
	return tbl.rowTree().insertMany(count, xid, cid, InvalidSpeculativeToken, InvalidUndoPtr)
}

// InsertManySpeculative is InsertMany with a speculative insertion token that
// stays on the undo record until ClearSpeculativeToken resolves it.
func (tbl *Table) InsertManySpeculative(count int, xid TxID, cid CommandID, token uint32) ([]RowID, error) {
	if err := tbl.checkOpen(); err != nil {
		return nil, err
	}
	return tbl.rowTree().insertMany(count, xid, cid, token, InvalidUndoPtr)
}

// Delete marks one row deleted under the caller's snapshot. Transient
// conflicts come back as non-OK outcomes without mutation; deleting a dead or
// missing row is a contract violation.
func (tbl *Table) Delete(rowid RowID, xid TxID, cid CommandID, snap Snapshot) (Outcome, error) {
	if err := tbl.checkOpen(); err != nil {
		return OutcomeInvisible, err
	}
	return tbl.rowTree().deleteRow(rowid, xid, cid, snap, false)
}

// Update inserts a new version of oldRowid and chains the old version to it.
// On success the new row id is returned; the caller then updates each
// attribute tree at the new row id itself.
func (tbl *Table) Update(oldRowid RowID, xid TxID, cid CommandID, snap Snapshot, keyUpdate bool) (Outcome, RowID, error) {
	if err := tbl.checkOpen(); err != nil {
		return OutcomeInvisible, InvalidRowID, err
	}
	return tbl.rowTree().updateRow(oldRowid, xid, cid, snap, keyUpdate)
}

// Lock records a row-level lock in the version chain.
func (tbl *Table) Lock(rowid RowID, mode LockMode, xid TxID, cid CommandID, snap Snapshot) (Outcome, error) {
	if err := tbl.checkOpen(); err != nil {
		return OutcomeInvisible, err
	}
	return tbl.rowTree().lockRow(rowid, mode, xid, cid, snap)
}

// MarkDead flags a row permanently invisible and reclaimable. Idempotent.
func (tbl *Table) MarkDead(rowid RowID) error {
	if err := tbl.checkOpen(); err != nil {
		return err
	}
	return tbl.rowTree().markDead(rowid)
}

// UndoAbortedDeletion rolls back an aborted delete: the row's pointer is
// reset to "no history" if it still equals expected, and left alone if
// another operation already advanced it.
func (tbl *Table) UndoAbortedDeletion(rowid RowID, expected UndoPtr) error {
	if err := tbl.checkOpen(); err != nil {
		return err
	}
	return tbl.rowTree().undoAbortedDeletion(rowid, expected)
}

// CollectDeadRowIDs walks leaves from start gathering dead row ids until the
// result set would exceed memoryBudget bytes. It returns the row id to resume
// from, or InvalidRowID when the walk reached the end of the tree.
func (tbl *Table) CollectDeadRowIDs(start RowID, memoryBudget int) ([]RowID, RowID, error) {
	if err := tbl.checkOpen(); err != nil {
		return nil, InvalidRowID, err
	}
	return tbl.rowTree().collectDeadRowIDs(start, memoryBudget)
}

// RemoveRowIDs physically removes row ids from the row tree, after
// reclamation confirmed nothing references them.
func (tbl *Table) RemoveRowIDs(rowids []RowID) error {
	if err := tbl.checkOpen(); err != nil {
		return err
	}
	return tbl.rowTree().removeRowIDs(rowids)
}

// FindLatest follows a row's update chain to the latest version visible to
// the snapshot. Returns InvalidRowID when no version is visible.
func (tbl *Table) FindLatest(rowid RowID, snap Snapshot) (RowID, error) {
	if err := tbl.checkOpen(); err != nil {
		return InvalidRowID, err
	}
	return tbl.rowTree().findLatest(rowid, snap)
}

// ClearSpeculativeToken resolves the speculative token on a row's insert
// undo record.
func (tbl *Table) ClearSpeculativeToken(rowid RowID) error {
	if err := tbl.checkOpen(); err != nil {
		return err
	}
	return tbl.rowTree().clearSpeculativeToken(rowid)
}

// GetLastRowID returns the highest row id ever allocated, or InvalidRowID for
// an empty table.
func (tbl *Table) GetLastRowID() (RowID, error) {
	if err := tbl.checkOpen(); err != nil {
		return InvalidRowID, err
	}
	return tbl.rowTree().getLastRowID()
}

// AttrInsert stores column values for the given row ids in one attribute
// tree. rowids must be sorted, unique, and already allocated in the row tree.
func (tbl *Table) AttrInsert(attno TreeID, rowids []RowID, values [][]byte) error {
	if err := tbl.checkAttr(attno); err != nil {
		return err
	}
	return tbl.attrTree(attno).attrInsert(rowids, values)
}

// AttrRemove slices the given row ids out of one attribute tree.
func (tbl *Table) AttrRemove(attno TreeID, rowids []RowID) error {
	if err := tbl.checkAttr(attno); err != nil {
		return err
	}
	return tbl.attrTree(attno).attrRemove(rowids)
}
