// Package logger adapts third-party logging libraries to colstore.Logger.
//
// The engine logs with alternating key-value arguments in the slog style, so
// the standard library's slog.Logger satisfies colstore.Logger as is. These
// adapters perform the same translation for zap and logrus. Engine messages
// carry a small set of structured keys: "tree" and "rowid" name the B-tree
// and row an operation touched, "page" the physical page, and "error" the
// cause.
//
//	zl, _ := zap.NewProduction()
//	tbl, err := colstore.Open("table.data",
//		colstore.WithLogger(logger.NewZap(zl)),
//	)
package logger
