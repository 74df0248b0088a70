// Package agentlog provides the one structured logger every subsystem
// in the daemon uses, tagged per subsystem the way the spec's §7
// "per-subsystem tags and a numeric debug level" calls for.
package agentlog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors the spec's "numeric debug level": default hides routine
// errors, always shows fatal/config events.
type Level int

const (
	LevelFatal Level = iota
	LevelConfig
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelFatal:
		return zapcore.FatalLevel
	case LevelConfig, LevelWarn:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Options configures the process-wide logger.
type Options struct {
	Level      Level
	FilePath   string // empty disables file rotation, stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.RWMutex
	base    *zap.Logger = zap.NewNop()
	initErr error
)

// Init installs the process-wide logger. Safe to call once at
// supervisor startup; subsequent calls replace the logger (used by
// tests to capture output).
func Init(opts Options) error {
	level := zap.NewAtomicLevelAt(opts.Level.zapLevel())

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var core zapcore.Core
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    fallback(opts.MaxSizeMB, 50),
			MaxBackups: fallback(opts.MaxBackups, 5),
			MaxAge:     fallback(opts.MaxAgeDays, 30),
		}
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level)
		core = zapcore.NewTee(consoleCore, fileCore)
	} else {
		core = consoleCore
	}

	l := zap.New(core)

	mu.Lock()
	base = l
	mu.Unlock()
	return initErr
}

func fallback(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// For tags, use For(subsystem).With(...) to derive a scoped logger; the
// base logger is never used for emitting records directly so every line
// carries a "tag" field.
func For(subsystem string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With(zap.String("tag", subsystem))
}

// Sync flushes buffered log entries; call during supervisor shutdown.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}
