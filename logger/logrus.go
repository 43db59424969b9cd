package logger

import (
	"github.com/sirupsen/logrus"

	"colstore"
)

// Logrus adapts a logrus.Logger to colstore.Logger.
type Logrus struct {
	l *logrus.Logger
}

// NewLogrus creates a colstore.Logger from a logrus.Logger.
func NewLogrus(l *logrus.Logger) colstore.Logger {
	return &Logrus{l: l}
}

func (a *Logrus) Error(msg string, kvs ...any) { a.entry(kvs).Error(msg) }

func (a *Logrus) Warn(msg string, kvs ...any) { a.entry(kvs).Warn(msg) }

func (a *Logrus) Info(msg string, kvs ...any) { a.entry(kvs).Info(msg) }

// entry turns alternating key-value arguments into logrus fields. A
// non-string key or a dangling value lands under "args" instead of being
// dropped.
func (a *Logrus) entry(kvs []any) *logrus.Entry {
	fields := make(logrus.Fields, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok || i+1 == len(kvs) {
			fields["args"] = kvs[i:]
			break
		}
		fields[key] = kvs[i+1]
	}
	return a.l.WithFields(fields)
}
