package colstore

// Snapshot is the caller's MVCC snapshot. The engine never inspects it; it is
// threaded through to the VisibilityOracle. A nil snapshot skips visibility
// checking entirely (used by maintenance paths).
type Snapshot any

// LockMode is the row-lock strength recorded in the version chain.
type LockMode uint8

const (
	LockKeyShare LockMode = iota
	LockShare
	LockNoKeyExclusive
	LockExclusive
)

// Outcome is the structured result of a visibility-gated write. Only
// OutcomeOK permits the mutation; the others are expected, recoverable
// conditions the caller handles (retry, report conflict), never errors.
type Outcome int

const (
	OutcomeOK Outcome = iota

	// OutcomeBlocked: the current version was written by a transaction that
	// is still in progress; the caller must wait or abort.
	OutcomeBlocked

	// OutcomeUpdated: another transaction already updated or deleted the row.
	OutcomeUpdated

	// OutcomeWouldConflict: proceeding would create a serialization conflict.
	OutcomeWouldConflict

	// OutcomeInvisible: the version was never visible to this snapshot.
	OutcomeInvisible
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeUpdated:
		return "updated"
	case OutcomeWouldConflict:
		return "would-conflict"
	case OutcomeInvisible:
		return "invisible"
	default:
		return "unknown"
	}
}

// VisState is the oracle's answer for one version under one snapshot.
type VisState struct {
	Visible bool

	// ObsoletingXID is the transaction that made the version invisible, when
	// known. Used for serialization-conflict reporting.
	ObsoletingXID TxID

	// NextRowID is the forward pointer to the row's successor version, when
	// the version was obsoleted by an update.
	NextRowID RowID
}

// UpdateCheck is the oracle's answer to "may this snapshot update/delete/lock
// the version behind ptr".
type UpdateCheck struct {
	Outcome Outcome

	// KeepOldPtr is false when the prior version is already unreachable by
	// every live snapshot, so the new undo record need not chain to it.
	KeepOldPtr bool

	// ConflictXID identifies the conflicting transaction on non-OK outcomes.
	ConflictXID TxID

	// NextRowID follows the update chain on OutcomeUpdated.
	NextRowID RowID
}

// VisibilityOracle decides snapshot visibility for undo pointers. The
// decision logic (commit log, snapshot semantics) lives outside this engine;
// the row tree only stores pointers and consults the oracle.
//
// oldestActive is the retention horizon from UndoLog.OldestActivePtr; versions
// whose pointer precedes it are visible to everyone.
type VisibilityOracle interface {
	Visible(snap Snapshot, ptr UndoPtr, oldestActive UndoPtr) VisState
	CheckUpdate(snap Snapshot, rowid RowID, ptr UndoPtr, mode LockMode, oldestActive UndoPtr) UpdateCheck
}
