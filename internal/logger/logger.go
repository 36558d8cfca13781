// Package logger provides the process-wide sugared logger used by every
// component, modeled on chainlink's core/logger global logging API.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	sugar  *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	sugar = mustBuild(level)
}

func mustBuild(lvl zap.AtomicLevel) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		// Fallback that can never fail to construct.
		l = zap.NewNop()
	}
	return l.Sugar()
}

// SetLevel reconfigures the process-wide log level from a CLI-style string
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)
}

// Logger is the interface every component receives; it is satisfied by the
// package-level functions via With(component).
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

type componentLogger struct {
	s *zap.SugaredLogger
}

func (c *componentLogger) Debugw(msg string, kv ...interface{}) { c.s.Debugw(msg, kv...) }
func (c *componentLogger) Infow(msg string, kv ...interface{})  { c.s.Infow(msg, kv...) }
func (c *componentLogger) Warnw(msg string, kv ...interface{})  { c.s.Warnw(msg, kv...) }
func (c *componentLogger) Errorw(msg string, kv ...interface{}) { c.s.Errorw(msg, kv...) }
func (c *componentLogger) Debug(args ...interface{})            { c.s.Debug(args...) }
func (c *componentLogger) Info(args ...interface{})              { c.s.Info(args...) }
func (c *componentLogger) Warn(args ...interface{})              { c.s.Warn(args...) }
func (c *componentLogger) Error(args ...interface{})             { c.s.Error(args...) }
func (c *componentLogger) Fatal(args ...interface{})             { c.s.Fatal(args...) }

// With returns a child logger tagged with the given component name, the way
// ethmonitor.go prefixes every message with "ethmonitor: ...".
func With(component string) Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &componentLogger{s: sugar.Named(component)}
}

// Package-level passthrough, used for call sites that don't hold a
// component logger (startup, fatal config errors).
func Debugw(msg string, kv ...interface{}) { get().Debugw(msg, kv...) }
func Infow(msg string, kv ...interface{})  { get().Infow(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { get().Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { get().Errorw(msg, kv...) }
func Fatal(args ...interface{})            { get().Fatal(args...) }

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Sync flushes any buffered log entries; call on process shutdown.
func Sync() error {
	return get().Sync()
}
