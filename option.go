package colstore

// TableOptions configures table behavior.
type TableOptions struct {
	syncMode     SyncMode
	syncBytes    int    // bytes to write before fsync when syncMode is SyncBytes
	cachePages   uint32 // capacity of the unpinned-page cache, in pages
	maxPages     uint64 // hard page budget, 0 means no limit
	walPath      string // "" derives <path>.wal, or disables the WAL in memory mode
	walDisabled  bool
	codec        Codec
	undo         UndoLog
	oracle       VisibilityOracle
	logger       Logger
	attrChunkMax int // max unpacked bytes per compressed column chunk
}

func defaultTableOptions() TableOptions {
	return TableOptions{
		syncMode:     SyncEveryAppend,
		syncBytes:    1024 * 1024,
		cachePages:   4096, // 32MB of 8KB pages
		codec:        NewS2Codec(),
		logger:       DiscardLogger{},
		attrChunkMax: pageCapacity / 4,
	}
}

// TableOption configures table options using the functional options pattern.
type TableOption func(*TableOptions)

// WithSyncEveryAppend configures the WAL to fsync on every record.
// Maximum durability, paced by fsync latency.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryAppend() TableOption {
	return func(opts *TableOptions) {
		opts.syncMode = SyncEveryAppend
	}
}

// WithSyncBytes configures the WAL to fsync after n bytes of records.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncBytes(n int) TableOption {
	return func(opts *TableOptions) {
		opts.syncMode = SyncBytes
		opts.syncBytes = n
	}
}

// WithSyncOff disables WAL fsync entirely.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() TableOption {
	return func(opts *TableOptions) {
		opts.syncMode = SyncOff
	}
}

// WithWALPath overrides where the WAL file lives. By default it sits next to
// the table file at <path>.wal.
//
//goland:noinspection GoUnusedExportedFunction
func WithWALPath(p string) TableOption {
	return func(opts *TableOptions) {
		opts.walPath = p
	}
}

// WithoutWAL disables write-ahead logging. Single-page mutations are then
// only as durable as the last checkpoint.
//
//goland:noinspection GoUnusedExportedFunction
func WithoutWAL() TableOption {
	return func(opts *TableOptions) {
		opts.walDisabled = true
	}
}

// WithCachePages sets the capacity of the unpinned-page cache, in pages.
func WithCachePages(n uint32) TableOption {
	return func(opts *TableOptions) {
		opts.cachePages = n
	}
}

// WithMaxPages caps the total number of pages the table may allocate.
// Mutations that would exceed the cap fail with a resource exhausted error.
func WithMaxPages(n uint64) TableOption {
	return func(opts *TableOptions) {
		opts.maxPages = n
	}
}

// WithCodec sets the column chunk compression codec.
func WithCodec(c Codec) TableOption {
	return func(opts *TableOptions) {
		opts.codec = c
	}
}

// WithUndoLog sets the undo log mutation records are written to.
// Defaults to an in-process MemUndoLog.
func WithUndoLog(u UndoLog) TableOption {
	return func(opts *TableOptions) {
		opts.undo = u
	}
}

// WithVisibilityOracle sets the oracle consulted for row visibility and
// update conflict decisions.
func WithVisibilityOracle(o VisibilityOracle) TableOption {
	return func(opts *TableOptions) {
		opts.oracle = o
	}
}

// WithLogger sets the logger. Defaults to DiscardLogger.
func WithLogger(l Logger) TableOption {
	return func(opts *TableOptions) {
		opts.logger = l
	}
}

// WithAttrChunkMax sets the maximum unpacked size, in bytes, of one
// compressed column chunk.
//
//goland:noinspection GoUnusedExportedFunction
func WithAttrChunkMax(n int) TableOption {
	return func(opts *TableOptions) {
		opts.attrChunkMax = n
	}
}
