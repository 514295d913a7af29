// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging builds the process logger: JSON lines teed to a rotating
// file and to stdout.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how much is logged.
type Options struct {
	// Dir holds the log file. Empty disables the file sink.
	Dir string
	// File is the file name inside Dir.
	File string
	// Level is one of debug, info, warn, error.
	Level string
	// Console receives a copy of every entry. Nil means stdout.
	Console io.Writer

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel accepts the usual zap level names; empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

// New builds a logger from o.
func New(o Options) (*zap.Logger, error) {
	lvl, err := ParseLevel(o.Level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	console := o.Console
	if console == nil {
		console = os.Stdout
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(zapcore.AddSync(console)), lvl),
	}

	if o.Dir != "" {
		if err := os.MkdirAll(o.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := o.File
		if name == "" {
			name = "storerpcd.log"
		}
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(o.Dir, name),
			MaxSize:    orDefault(o.MaxSizeMB, 50), // MB
			MaxBackups: orDefault(o.MaxBackups, 3),
			MaxAge:     orDefault(o.MaxAgeDays, 7), // days
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), w, lvl))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
