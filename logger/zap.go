package logger

import (
	"go.uber.org/zap"

	"colstore"
)

// Zap adapts a zap.Logger to colstore.Logger. The sugared form is built once
// up front, with a caller skip so log lines point at the engine call site
// rather than this adapter.
type Zap struct {
	s *zap.SugaredLogger
}

// NewZap creates a colstore.Logger from a zap.Logger.
func NewZap(l *zap.Logger) colstore.Logger {
	return &Zap{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *Zap) Error(msg string, kvs ...any) { z.s.Errorw(msg, kvs...) }

func (z *Zap) Warn(msg string, kvs ...any) { z.s.Warnw(msg, kvs...) }

func (z *Zap) Info(msg string, kvs ...any) { z.s.Infow(msg, kvs...) }
