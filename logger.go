package kgroup

import "github.com/twmb/franz-go/pkg/kgo"

// wrappedLogger wraps the config logger for convenience at logging callsites.
// A nil inner logger drops everything.
type wrappedLogger struct {
	inner kgo.Logger
}

func (w *wrappedLogger) Level() kgo.LogLevel {
	if w.inner == nil {
		return kgo.LogLevelNone
	}
	return w.inner.Level()
}

func (w *wrappedLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	if w.Level() < level {
		return
	}
	w.inner.Log(level, msg, keyvals...)
}
