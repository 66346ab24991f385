// ABOUTME: Process-wide logger setup
// ABOUTME: Tees a colored console log and a rotated JSON log file through zap and logr
package logging

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects where logs go and how verbose they are
type Config struct {
	// Console receives human readable output; nil disables it
	Console io.Writer
	// File is the path of the JSON log file; empty disables it
	File       string
	MaxSizeMB  int
	MaxBackups int
	Debug      bool
}

// removeCallerCore strips caller information from console records
type removeCallerCore struct {
	zapcore.Core
}

func (c *removeCallerCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Check(entry, nil) == nil {
		return ce
	}
	return ce.AddCore(entry, c)
}

func (c *removeCallerCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Caller = zapcore.EntryCaller{}
	return c.Core.Write(entry, fields)
}

func (c *removeCallerCore) With(fields []zapcore.Field) zapcore.Core {
	return &removeCallerCore{c.Core.With(fields)}
}

// New builds a logger. The returned function flushes and closes the log file.
func New(cfg Config) (logr.Logger, func() error) {
	consoleLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Debug {
		consoleLevel = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	fileLevel := zap.NewAtomicLevelAt(zapcore.DebugLevel)

	var cores []zapcore.Core
	var rotator *lumberjack.Logger

	if cfg.Console != nil {
		zc := zap.NewDevelopmentEncoderConfig()
		zc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.EncodeTime = zapcore.TimeEncoderOfLayout("02/01 15:04:05.000")
		console := zapcore.NewCore(zapcore.NewConsoleEncoder(zc), zapcore.AddSync(cfg.Console), consoleLevel)
		cores = append(cores, &removeCallerCore{console})
	}

	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 2
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize, // megabytes
			MaxBackups: maxBackups,
		}
		zf := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zf), zapcore.AddSync(rotator), fileLevel))
	}

	if len(cores) == 0 {
		return logr.Discard(), func() error { return nil }
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	closeFn := func() error {
		_ = zl.Sync()
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}

	// logr V(n) maps to zap level -n, so V(1) is debug
	return zapr.NewLogger(zl), closeFn
}
