package juice

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thesyncim/juice/internal/abi"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Logger returns the package logger. It is a no-op logger by default.
func Logger() *zap.Logger {
	return logger.Load()
}

// SetLogger configures the package logger. Engine log output is forwarded
// to it under the "native" name, filtered at the logger's enabled level.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
	level := nativeLogLevel(l)
	for _, e := range openEngines() {
		e.SetLogLevel(level)
	}
}

// nativeLogLevel is the most verbose engine level the logger would emit.
func nativeLogLevel(l *zap.Logger) abi.LogLevel {
	core := l.Core()
	switch {
	case core.Enabled(zapcore.DebugLevel):
		return abi.LogDebug
	case core.Enabled(zapcore.InfoLevel):
		return abi.LogInfo
	case core.Enabled(zapcore.WarnLevel):
		return abi.LogWarn
	case core.Enabled(zapcore.ErrorLevel):
		return abi.LogError
	default:
		return abi.LogNone
	}
}

func nativeLog(level abi.LogLevel, message string) {
	l := Logger().Named("native")
	switch level {
	case abi.LogVerbose, abi.LogDebug:
		l.Debug(message)
	case abi.LogInfo:
		l.Info(message)
	case abi.LogWarn:
		l.Warn(message)
	case abi.LogError, abi.LogFatal:
		l.Error(message, zap.Bool("fatal", level == abi.LogFatal))
	}
}
