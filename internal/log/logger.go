// Package log provides structured logging for dalvik using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with bridge-specific helpers.
type Logger struct {
	*zap.Logger
	onTrace func(category, name, detail string) // trace callback for events
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Or returns l, the global logger, or a no-op logger, whichever is set first.
func Or(l *Logger) *Logger {
	if l != nil {
		return l
	}
	if L != nil {
		return L
	}
	return NewNop()
}

// SetOnTrace sets the trace callback for bridge events.
func (l *Logger) SetOnTrace(fn func(category, name, detail string)) {
	l.onTrace = fn
}

// Trace logs a bridge event and calls the trace callback if set.
func (l *Logger) Trace(category, name, detail string) {
	if l.onTrace != nil {
		l.onTrace(category, name, detail)
	}

	l.Debug("event",
		zap.String("tag", category),
		Fn(name),
		zap.String("detail", detail),
	)
}

// RefAdd logs a reference table insertion.
func (l *Logger) RefAdd(handle int32, global, weak bool) {
	l.Debug("addObject",
		Handle(handle),
		zap.Bool("global", global),
		zap.Bool("weak", weak),
	)
}

// RefCollision logs a handle whose slot already held a different object.
func (l *Logger) RefCollision(handle int32, global bool, prev, next string) {
	l.Warn("handle collision",
		Handle(handle),
		zap.Bool("global", global),
		zap.String("prev", prev),
		zap.String("next", next),
	)
}

// LibraryLoad logs a completed library load.
func (l *Logger) LibraryLoad(name, region string, base uint64) {
	l.Info("loadLibrary",
		zap.String("lib", name),
		zap.String("region", region),
		Addr(base),
	)
}

// With returns a logger with extra fields preset.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		Logger:  l.Logger.With(fields...),
		onTrace: l.onTrace,
	}
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return l.With(zap.String("cat", category))
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Handle creates a reference handle field.
func Handle(h int32) zap.Field {
	return zap.String("hash", Hex(uint64(uint32(h))))
}

// Class creates a class name field.
func Class(name string) zap.Field {
	return zap.String("class", name)
}
