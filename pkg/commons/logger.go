// Package commons provides the logging facade shared by every package in
// the gateway: a small interface over zap so call sites never import
// zap directly.
package commons

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging contract used throughout the gateway.
// It mirrors the printf-style + structured-field style zap exposes via its
// SugaredLogger, so call sites can choose whichever reads better.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	With(keysAndValues ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger builds a Logger. development=true switches to a human-readable
// console encoder and debug level; production uses JSON at info level.
func NewLogger(development bool) Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stdout"}
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a bare encoder rather than panic; logging must
		// never be the reason the gateway fails to start.
		l = zap.NewExample()
	}
	return &zapLogger{s: l.Sugar()}
}

// NewNopLogger returns a Logger that discards everything, used in tests.
func NewNopLogger() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func (z *zapLogger) Debug(args ...interface{})                    { z.s.Debug(args...) }
func (z *zapLogger) Debugf(format string, args ...interface{})    { z.s.Debugf(format, args...) }
func (z *zapLogger) Info(args ...interface{})                     { z.s.Info(args...) }
func (z *zapLogger) Infof(format string, args ...interface{})     { z.s.Infof(format, args...) }
func (z *zapLogger) Warn(args ...interface{})                     { z.s.Warn(args...) }
func (z *zapLogger) Warnf(format string, args ...interface{})     { z.s.Warnf(format, args...) }
func (z *zapLogger) Warnw(msg string, kv ...interface{})          { z.s.Warnw(msg, kv...) }
func (z *zapLogger) Error(args ...interface{})                    { z.s.Error(args...) }
func (z *zapLogger) Errorf(format string, args ...interface{})    { z.s.Errorf(format, args...) }
func (z *zapLogger) Errorw(msg string, kv ...interface{})         { z.s.Errorw(msg, kv...) }
func (z *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: z.s.With(kv...)}
}

// SEPARATOR is the delimiter used across the gateway when a config value is
// expressed as a single comma-joined string (context phrases, dictionaries,
// allowed origins).
const SEPARATOR = ","
