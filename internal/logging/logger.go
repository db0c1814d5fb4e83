// Package logging builds the zap loggers used by the master and worker
// binaries, with optional size-based file rotation.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls level, encoding and destination.
type Config struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // console, json
	Output     string `mapstructure:"output"`      // stdout, file, both
	FilePath   string `mapstructure:"file_path"`   // Required when output includes file
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // Rotate after this many megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ParseLevel converts a level name to a zap level.
// Unknown names fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
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
}

// New builds a logger from cfg. Console output goes to stdout; file output
// goes through lumberjack so long-running masters don't fill the disk.
func New(cfg Config) (*zap.Logger, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, stdout io.Writer) (*zap.Logger, error) {
	level := ParseLevel(cfg.Level)

	encCfg := encoderConfig()
	var encoder zapcore.Encoder
	switch cfg.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	var cores []zapcore.Core
	switch cfg.Output {
	case "", "stdout":
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(stdout), level))
	case "file", "both":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("logging: output %q requires file_path", cfg.Output)
		}
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), level))
		if cfg.Output == "both" {
			cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.AddSync(stdout), level))
		}
	default:
		return nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
