// Package kglogrus provides a plug-in kgo.Logger wrapping logrus for usage in
// a kgroup.Client or a kgo.Client.
//
// This can be used like so:
//
//	cl, err := kgroup.NewClient(group, transport, subs,
//	        kgroup.WithLogger(kglogrus.New(logrus.StandardLogger())),
//	        // ...other opts
//	)
package kglogrus

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Logger provides the kgo.Logger interface.
type Logger struct {
	fl      logrus.FieldLogger
	levelFn func() logrus.Level
}

// New returns a new Logger that follows the level of lr.
func New(lr *logrus.Logger) *Logger {
	return &Logger{fl: lr, levelFn: lr.GetLevel}
}

// NewFieldLogger returns a new Logger wrapping any logrus.FieldLogger, such
// as an entry carrying fields of its own.
//
// Entries and loggers report their level; any other FieldLogger is assumed
// to log at info.
func NewFieldLogger(fl logrus.FieldLogger) *Logger {
	l := &Logger{fl: fl, levelFn: func() logrus.Level { return logrus.InfoLevel }}
	switch fl := fl.(type) {
	case *logrus.Logger:
		l.levelFn = fl.GetLevel
	case *logrus.Entry:
		l.levelFn = fl.Logger.GetLevel
	}
	return l
}

// Level is for the kgo.Logger interface.
func (l *Logger) Level() kgo.LogLevel {
	return logrusToKgoLevel(l.levelFn())
}

// Log is for the kgo.Logger interface.
func (l *Logger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			k = fmt.Sprint(keyvals[i])
		}
		fields[k] = keyvals[i+1]
	}
	e := l.fl.WithFields(fields)
	switch level {
	case kgo.LogLevelError:
		e.Error(msg)
	case kgo.LogLevelWarn:
		e.Warn(msg)
	case kgo.LogLevelInfo:
		e.Info(msg)
	case kgo.LogLevelDebug:
		e.Debug(msg)
	}
}

func logrusToKgoLevel(level logrus.Level) kgo.LogLevel {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return kgo.LogLevelError
	case logrus.WarnLevel:
		return kgo.LogLevelWarn
	case logrus.InfoLevel:
		return kgo.LogLevelInfo
	case logrus.DebugLevel, logrus.TraceLevel:
		return kgo.LogLevelDebug
	default:
		return kgo.LogLevelNone
	}
}
