package utils

import (
	"strings"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// base is the process logger. Components derive named children from it.
var base atomic.Pointer[zap.Logger]

func init() {
	base.Store(zap.NewNop())
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_ENCODING.
func NewLogger() (*zap.Logger, error) {
	level := strings.ToLower(Env("LOG_LEVEL", "info"))
	encoding := Env("LOG_ENCODING", "json")

	cfg := zap.NewProductionConfig()
	cfg.Encoding = encoding
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// SetLogger replaces the process logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// Named returns a component logger, e.g. Named("FEED").
func Named(component string) *zap.Logger {
	return base.Load().Named(component)
}

// OrNamed returns l, or a component logger when l is nil.
func OrNamed(l *zap.Logger, component string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(component)
}

// CronLogger adapts a zap logger to robfig/cron's key-value logger.
func CronLogger(l *zap.Logger) cron.Logger {
	return cronLogger{sugar: l.Sugar()}
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.sugar.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
