package colstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testSnapshot sees its own transaction plus an explicit set of committed
// transactions. Everything else counts as in progress.
type testSnapshot struct {
	self      TxID
	committed map[TxID]bool
}

func snapshotOf(self TxID, committed ...TxID) *testSnapshot {
	m := make(map[TxID]bool, len(committed))
	for _, xid := range committed {
		m[xid] = true
	}
	return &testSnapshot{self: self, committed: m}
}

func (s *testSnapshot) sees(xid TxID) bool {
	return xid == FrozenTxID || xid == s.self || s.committed[xid]
}

// testOracle resolves visibility by walking version chains in a MemUndoLog.
// It lives in the test suite; the engine itself only stores pointers.
type testOracle struct {
	undo *MemUndoLog
}

func (o *testOracle) Visible(snap Snapshot, ptr UndoPtr, _ UndoPtr) VisState {
	if !ptr.Valid() || snap == nil {
		return VisState{Visible: true}
	}
	s := snap.(*testSnapshot)
	for ptr.Valid() {
		rec := o.undo.Fetch(ptr)
		if rec == nil {
			return VisState{Visible: true}
		}
		switch rec.Type {
		case UndoInsert:
			return VisState{Visible: s.sees(rec.XID)}
		case UndoDelete:
			if s.sees(rec.XID) {
				return VisState{Visible: false, ObsoletingXID: rec.XID}
			}
		case UndoUpdate:
			if s.sees(rec.XID) {
				return VisState{Visible: false, ObsoletingXID: rec.XID, NextRowID: rec.NewRowID}
			}
		case UndoTupleLock:
			// locks do not affect visibility
		}
		ptr = rec.PrevPtr
	}
	return VisState{Visible: true}
}

func (o *testOracle) CheckUpdate(snap Snapshot, _ RowID, ptr UndoPtr, _ LockMode, _ UndoPtr) UpdateCheck {
	if !ptr.Valid() || snap == nil {
		return UpdateCheck{Outcome: OutcomeOK, KeepOldPtr: true}
	}
	s := snap.(*testSnapshot)
	rec := o.undo.Fetch(ptr)
	if rec == nil {
		return UpdateCheck{Outcome: OutcomeOK, KeepOldPtr: true}
	}
	switch rec.Type {
	case UndoInsert:
		if s.sees(rec.XID) {
			return UpdateCheck{Outcome: OutcomeOK, KeepOldPtr: true}
		}
		return UpdateCheck{Outcome: OutcomeBlocked, ConflictXID: rec.XID}
	case UndoDelete, UndoUpdate:
		if rec.XID == s.self {
			return UpdateCheck{Outcome: OutcomeUpdated, ConflictXID: rec.XID, NextRowID: rec.NewRowID}
		}
		if s.sees(rec.XID) {
			return UpdateCheck{Outcome: OutcomeUpdated, ConflictXID: rec.XID, NextRowID: rec.NewRowID}
		}
		return UpdateCheck{Outcome: OutcomeBlocked, ConflictXID: rec.XID}
	case UndoTupleLock:
		return UpdateCheck{Outcome: OutcomeOK, KeepOldPtr: true}
	}
	return UpdateCheck{Outcome: OutcomeOK, KeepOldPtr: true}
}

// setup opens an in-memory table wired to a MemUndoLog and the test oracle.
func setup(t *testing.T, options ...TableOption) (*Table, *MemUndoLog) {
	t.Helper()
	undo := NewMemUndoLog()
	opts := append([]TableOption{
		WithUndoLog(undo),
		WithVisibilityOracle(&testOracle{undo: undo}),
	}, options...)
	tbl, err := Open("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })
	return tbl, undo
}

// scanRowIDs drains a row scan.
func scanRowIDs(t *testing.T, tbl *Table, start, end RowID, snap Snapshot) []RowID {
	t.Helper()
	scan := tbl.NewRowScan(start, end, snap)
	defer scan.Close()
	var out []RowID
	for {
		rowid, ok, err := scan.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, rowid)
	}
}
