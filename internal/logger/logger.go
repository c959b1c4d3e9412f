// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package logger configures the global zerolog logger.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3
)

// Init points the global logger at stderr, plus a rotating file when logPath
// is set. The returned closer stops the rotator and is nil for console-only
// logging.
func Init(level, logPath string) (io.Closer, error) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	if logPath == "" {
		log.Logger = log.Output(console)
		return nil, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "logger: create log directory %s", dir)
	}

	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, rotator))
	return rotator, nil
}

// SetLevel adjusts the global level at runtime, used by config reloads.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps a config level string onto a zerolog level. Unknown
// values fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "critical":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
