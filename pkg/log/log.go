// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the leveled, key/value logger used across the fleet.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Fatal(msg string, keysAndValues ...any)
	With(keysAndValues ...any) Logger
	Sync() error
}

type zapLogger struct {
	log *zap.SugaredLogger
}

// New creates a new logger at info level.
func New() Logger {
	return NewWithLevel("info")
}

// NewWithLevel creates a new logger with a specific level.
func NewWithLevel(level string) Logger {
	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	case "fatal":
		lvl = zapcore.FatalLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	log, err := cfg.Build()
	if err != nil {
		return &noOpLogger{}
	}

	return &zapLogger{log: log.Sugar()}
}

// NoOp returns a no-op logger.
func NoOp() Logger {
	return &noOpLogger{}
}

// NoLog is a no-op logger instance.
var NoLog = NoOp()

func (l *zapLogger) Debug(msg string, kv ...any) { l.log.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.log.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.log.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.log.Errorw(msg, kv...) }
func (l *zapLogger) Fatal(msg string, kv ...any) { l.log.Fatalw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{log: l.log.With(kv...)}
}

func (l *zapLogger) Sync() error {
	return l.log.Sync()
}

// noOpLogger is a logger that does nothing.
type noOpLogger struct{}

func (n *noOpLogger) Debug(msg string, kv ...any) {}
func (n *noOpLogger) Info(msg string, kv ...any)  {}
func (n *noOpLogger) Warn(msg string, kv ...any)  {}
func (n *noOpLogger) Error(msg string, kv ...any) {}
func (n *noOpLogger) Fatal(msg string, kv ...any) {}
func (n *noOpLogger) With(kv ...any) Logger       { return n }
func (n *noOpLogger) Sync() error                 { return nil }
