package colstore

import (
	"errors"
	"fmt"
)

var (
	ErrTableClosed  = errors.New("table is closed")
	ErrTreeNotFound = errors.New("tree not found")
	ErrCorruption   = errors.New("data corruption detected")

	ErrPageOverflow   = errors.New("item does not fit on page")
	ErrInvalidOffset  = errors.New("invalid page offset")
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("invalid format version")
	ErrChecksum       = errors.New("page checksum mismatch")
)

// ErrorKind classifies fatal engine errors: contract violations abort the
// enclosing operation because an upstream invariant failed; resource
// exhaustion is detected before any page is mutated; unsupported-concurrency
// marks races the engine deliberately does not handle.
type ErrorKind int

const (
	KindContractViolation ErrorKind = iota
	KindResourceExhausted
	KindUnsupportedConcurrency
)

func (k ErrorKind) String() string {
	switch k {
	case KindContractViolation:
		return "contract violation"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindUnsupportedConcurrency:
		return "unsupported concurrency"
	default:
		return "unknown"
	}
}

// EngineError is a fatal condition. It identifies the tree and row id involved
// so the caller can abort the enclosing transaction with a useful message.
type EngineError struct {
	Kind  ErrorKind
	Tree  TreeID
	RowID RowID
	Msg   string
}

func (e *EngineError) Error() string {
	if e.RowID != InvalidRowID {
		return fmt.Sprintf("%s: %s (tree %d, row (%d,%d))",
			e.Kind, e.Msg, e.Tree, e.RowID.BlockNumber(), e.RowID.OffsetNumber())
	}
	return fmt.Sprintf("%s: %s (tree %d)", e.Kind, e.Msg, e.Tree)
}

// Is lets errors.Is match a bare kind: errors.Is(err, &EngineError{Kind: k}).
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Msg != "" && t.Msg != e.Msg {
		return false
	}
	return t.Kind == e.Kind
}

func contractViolation(tree TreeID, rowid RowID, format string, args ...any) error {
	return &EngineError{Kind: KindContractViolation, Tree: tree, RowID: rowid,
		Msg: fmt.Sprintf(format, args...)}
}

func resourceExhausted(tree TreeID, format string, args ...any) error {
	return &EngineError{Kind: KindResourceExhausted, Tree: tree,
		Msg: fmt.Sprintf(format, args...)}
}

func unsupportedConcurrency(tree TreeID, rowid RowID, format string, args ...any) error {
	return &EngineError{Kind: KindUnsupportedConcurrency, Tree: tree, RowID: rowid,
		Msg: fmt.Sprintf(format, args...)}
}
