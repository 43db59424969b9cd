package colstore

import (
	"sync"
)

// TxID identifies a transaction. FrozenTxID marks rows created by an
// already-committed, frozen context; such rows carry no undo history.
type TxID uint64

const (
	InvalidTxID TxID = 0
	FrozenTxID  TxID = 1
)

// CommandID orders operations within one transaction.
type CommandID uint32

// InvalidSpeculativeToken means the insert is not speculative.
const InvalidSpeculativeToken uint32 = 0

// UndoPtr is an opaque, totally ordered reference into the undo log's per-row
// version chain: a monotonic counter plus the record's location. The zero
// value (InvalidUndoPtr) means "no history, always visible".
type UndoPtr struct {
	Counter uint64
	BlockNo uint32
	Offset  uint32
}

// InvalidUndoPtr is the "no history" pointer.
var InvalidUndoPtr = UndoPtr{}

// Valid reports whether p references an undo record.
func (p UndoPtr) Valid() bool { return p.Counter != 0 }

// Precedes reports whether p was created before q.
func (p UndoPtr) Precedes(q UndoPtr) bool { return p.Counter < q.Counter }

// UndoRecType tags the operation an undo record describes.
type UndoRecType uint8

const (
	UndoInsert UndoRecType = iota + 1
	UndoDelete
	UndoUpdate
	UndoTupleLock
)

// UndoRec describes one row-tree mutation. PrevPtr links to the row's prior
// version; the undo log owns the chain reachable through it.
type UndoRec struct {
	Type  UndoRecType
	XID   TxID
	CID   CommandID
	RowID RowID

	// PrevPtr is the undo pointer the row carried before this operation.
	PrevPtr UndoPtr

	// EndRowID is the last row id covered by an insert record.
	EndRowID RowID

	// SpeculativeToken tags speculative inserts until confirmed.
	SpeculativeToken uint32

	// NewRowID is the forward pointer recorded by an update.
	NewRowID RowID

	// KeyUpdate is set when an update changed key columns.
	KeyUpdate bool

	// LockMode records the mode of a tuple-lock record.
	LockMode LockMode

	// ChangedPart is set when a delete moved the row to another partition.
	ChangedPart bool
}

// UndoLog is the undo-storage collaborator. Insert appends a record and
// returns its pointer; OldestActivePtr returns the retention horizon below
// which no live snapshot can reach a version.
type UndoLog interface {
	Insert(rec *UndoRec) (UndoPtr, error)
	OldestActivePtr() UndoPtr
	ClearSpeculativeToken(ptr UndoPtr)
}

// MemUndoLog is an in-memory UndoLog. It is a reference implementation for
// embedding and tests; a durable implementation lives outside this package.
type MemUndoLog struct {
	mu      sync.Mutex
	counter uint64
	recs    map[UndoPtr]*UndoRec
	oldest  UndoPtr
}

func NewMemUndoLog() *MemUndoLog {
	return &MemUndoLog{recs: make(map[UndoPtr]*UndoRec)}
}

func (l *MemUndoLog) Insert(rec *UndoRec) (UndoPtr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	ptr := UndoPtr{Counter: l.counter, BlockNo: uint32(l.counter >> 10), Offset: uint32(l.counter & 0x3ff)}
	cp := *rec
	l.recs[ptr] = &cp
	return ptr, nil
}

func (l *MemUndoLog) OldestActivePtr() UndoPtr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.oldest
}

// SetOldestActivePtr advances the retention horizon. Records below it may be
// discarded by the caller; this implementation keeps them.
func (l *MemUndoLog) SetOldestActivePtr(ptr UndoPtr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.oldest = ptr
}

func (l *MemUndoLog) ClearSpeculativeToken(ptr UndoPtr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.recs[ptr]; ok {
		rec.SpeculativeToken = InvalidSpeculativeToken
	}
}

// Fetch returns the record at ptr, or nil. Visibility oracles built on this
// log use it to walk version chains.
func (l *MemUndoLog) Fetch(ptr UndoPtr) *UndoRec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recs[ptr]
}
