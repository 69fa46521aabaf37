// Package logger holds the process-wide zap logger. Output goes to stdout,
// a size-rotated file, or both.
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the logger.
type Config struct {
	Level      string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format     string `yaml:"format" env:"FORMAT"` // json, console
	Output     string `yaml:"output" env:"OUTPUT"` // stdout, file, both
	FilePath   string `yaml:"file_path" env:"FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"MAX_SIZE"` // MB
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"MAX_AGE"` // days
}

var (
	global      atomic.Pointer[zap.Logger]
	initialised atomic.Bool
)

// Init builds the global logger from cfg. Only the first call has an
// effect. Entries logged before Init go to a default stdout logger.
func Init(cfg *Config) {
	if !initialised.CompareAndSwap(false, true) {
		return
	}
	global.Store(New(cfg))
}

// Replace installs l as the global logger and returns a function that
// restores the previous one.
func Replace(l *zap.Logger) func() {
	initialised.Store(true)
	prev := global.Swap(l)
	return func() { global.Store(prev) }
}

// New builds a logger without installing it. A nil cfg logs info and
// above to stdout.
func New(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zapcore.InfoLevel
	}

	enc := encoder(cfg.Format)
	var cores []zapcore.Core
	for _, ws := range sinks(cfg) {
		cores = append(cores, zapcore.NewCore(enc, ws, level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

func encoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func sinks(cfg *Config) []zapcore.WriteSyncer {
	var out []zapcore.WriteSyncer
	switch cfg.Output {
	case "file", "both":
		if cfg.FilePath != "" {
			out = append(out, zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
			}))
		}
		if cfg.Output == "file" && len(out) > 0 {
			return out
		}
	}
	return append(out, zapcore.Lock(os.Stdout))
}

// L returns the global logger.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	global.CompareAndSwap(nil, New(nil))
	return global.Load()
}

// Named returns a child logger for a component. Unlike L it reports the
// caller's own file.
func Named(name string) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Sync flushes buffered entries.
func Sync() {
	if l := global.Load(); l != nil {
		_ = l.Sync()
	}
}
