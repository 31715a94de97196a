package pion

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/thesyncim/juice/internal/abi"
)

// loggerFactory routes pion's scoped loggers into the engine log handler,
// filtered by the engine log level.
type loggerFactory struct {
	e *Engine
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{e: f.e, scope: scope}
}

type leveledLogger struct {
	e     *Engine
	scope string
}

func (l *leveledLogger) log(level abi.LogLevel, msg string) {
	if level < abi.LogLevel(l.e.logLevel.Load()) {
		return
	}
	h := l.e.logHandler.Load()
	if h == nil {
		return
	}
	(*h)(level, l.scope+": "+msg)
}

func (l *leveledLogger) logf(level abi.LogLevel, format string, args ...any) {
	if level < abi.LogLevel(l.e.logLevel.Load()) || l.e.logHandler.Load() == nil {
		return
	}
	l.log(level, fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Trace(msg string) { l.log(abi.LogVerbose, msg) }
func (l *leveledLogger) Tracef(format string, args ...any) {
	l.logf(abi.LogVerbose, format, args...)
}
func (l *leveledLogger) Debug(msg string) { l.log(abi.LogDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...any) {
	l.logf(abi.LogDebug, format, args...)
}
func (l *leveledLogger) Info(msg string) { l.log(abi.LogInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...any) {
	l.logf(abi.LogInfo, format, args...)
}
func (l *leveledLogger) Warn(msg string) { l.log(abi.LogWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...any) {
	l.logf(abi.LogWarn, format, args...)
}
func (l *leveledLogger) Error(msg string) { l.log(abi.LogError, msg) }
func (l *leveledLogger) Errorf(format string, args ...any) {
	l.logf(abi.LogError, format, args...)
}
