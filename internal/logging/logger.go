// Package logging provides structured, context-aware logging for the engine.
//
// The Logger wraps zap and injects correlation fields (run id, stage id,
// participant role, model id) from the context on every call, so a single
// grep over run.id reconstructs everything a pipeline run did.
package logging

import (
	"context"
	"errors"
	"os"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with context-aware logging methods.
type Logger struct {
	zap    *zap.Logger
	config *Config
}

// New creates a Logger from config, writing to stderr.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if config.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), config.Level)

	constant := make([]zap.Field, 0, len(config.Fields))
	for k, v := range config.Fields {
		constant = append(constant, zap.String(k, v))
	}

	return &Logger{
		zap:    zap.New(core).With(constant...),
		config: config,
	}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}

// Zap exposes the underlying zap.Logger for packages that take one directly.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// With returns a child logger with the given fields attached.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), config: l.config}
}

// Named returns a child logger with the given name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), config: l.config}
}

// TraceContext logs at Trace level with context fields.
func (l *Logger) TraceContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(TraceLevel, msg, append(ContextFields(ctx), fields...))
}

// DebugContext logs at Debug level with context fields.
func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(zapcore.DebugLevel, msg, append(ContextFields(ctx), fields...))
}

// InfoContext logs at Info level with context fields.
func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(zapcore.InfoLevel, msg, append(ContextFields(ctx), fields...))
}

// WarnContext logs at Warn level with context fields.
func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(zapcore.WarnLevel, msg, append(ContextFields(ctx), fields...))
}

// ErrorContext logs at Error level with context fields.
func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(zapcore.ErrorLevel, msg, append(ContextFields(ctx), fields...))
}

// Debug logs at Debug level without context correlation.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }

// Info logs at Info level without context correlation.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.zap.Info(msg, fields...) }

// Warn logs at Warn level without context correlation.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.zap.Warn(msg, fields...) }

// Error logs at Error level without context correlation.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

func (l *Logger) log(level zapcore.Level, msg string, fields []zap.Field) {
	if ce := l.zap.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Sync flushes buffered log entries. Errors from syncing a terminal are
// expected and swallowed.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}
