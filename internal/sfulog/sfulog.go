// Package sfulog builds the process's *zap.Logger (New), used directly by
// the controller and the command, and adapts it into
// pion/logging.LoggerFactory (Factory), whose leveled loggers the workers
// log through and hand on to every engine's SettingEngine. One zap core
// backs both, so operators get one log stream instead of two
// independently configured ones.
package sfulog

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// New builds a production zap logger at the given level ("debug", "info",
// "warn", "error"; unrecognized values fall back to "info").
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	return cfg.Build()
}

// Factory adapts a *zap.Logger into pion/logging.LoggerFactory, so
// internal/engine's PionEngine can hand pion's SettingEngine a
// LoggerFactory backed by the same sink as the rest of the process.
type Factory struct {
	base *zap.Logger
}

// NewFactory wraps base as a pion/logging.LoggerFactory.
func NewFactory(base *zap.Logger) *Factory {
	return &Factory{base: base}
}

// NewLogger implements pion/logging.LoggerFactory.
func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{sugar: f.base.Named(scope).Sugar()}
}

// leveledLogger implements pion/logging.LeveledLogger over a
// *zap.SugaredLogger. zap has no trace level; Trace/Tracef map to zap's
// Debug, the nearest level below Info.
type leveledLogger struct {
	sugar *zap.SugaredLogger
}

func (l *leveledLogger) Trace(msg string)                          { l.sugar.Debug(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{})  { l.sugar.Debugf(format, args...) }
func (l *leveledLogger) Debug(msg string)                          { l.sugar.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *leveledLogger) Info(msg string)                           { l.sugar.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *leveledLogger) Warn(msg string)                           { l.sugar.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *leveledLogger) Error(msg string)                          { l.sugar.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

var _ logging.LeveledLogger = (*leveledLogger)(nil)
var _ logging.LoggerFactory = (*Factory)(nil)
