package logging

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// libraryLogger adapts zap to whatsmeow's logging collaborator. It carries its
// own level so the library's chatter can be filtered without touching the
// daemon's level.
type libraryLogger struct {
	base   *zap.Logger
	logger *zap.Logger
	module string
	level  zapcore.Level
}

// Library returns a waLog.Logger backed by logger that drops entries below level.
// Entries carry a "module" field; each Sub call extends it with a dot, so
// Sub("client") logs as module "whatsmeow.client".
func Library(logger *zap.Logger, level string) waLog.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.WarnLevel
	}
	return newLibraryLogger(logger, "whatsmeow", lvl)
}

func newLibraryLogger(base *zap.Logger, module string, level zapcore.Level) *libraryLogger {
	return &libraryLogger{
		base:   base,
		logger: base.With(zap.String("module", module)),
		module: module,
		level:  level,
	}
}

func (l *libraryLogger) Sub(module string) waLog.Logger {
	return newLibraryLogger(l.base, l.module+"."+module, l.level)
}

func (l *libraryLogger) Debugf(msg string, args ...any) { l.log(zapcore.DebugLevel, msg, args) }
func (l *libraryLogger) Infof(msg string, args ...any)  { l.log(zapcore.InfoLevel, msg, args) }
func (l *libraryLogger) Warnf(msg string, args ...any)  { l.log(zapcore.WarnLevel, msg, args) }
func (l *libraryLogger) Errorf(msg string, args ...any) { l.log(zapcore.ErrorLevel, msg, args) }

func (l *libraryLogger) log(lvl zapcore.Level, msg string, args []any) {
	if lvl < l.level {
		return
	}
	if ce := l.logger.Check(lvl, fmt.Sprintf(msg, args...)); ce != nil {
		ce.Write()
	}
}
