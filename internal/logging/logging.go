// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/util"
)

// Setup points the standard logger at stderr and, when cfg.File is set, a
// rotating log file. The returned closer releases the file.
func Setup(cfg config.LoggingConfig) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	rotator := newRotator(cfg)
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator
}

// SetupFileOnly sends the standard logger to the rotating file alone, so
// interactive output is not interleaved with log lines. Without a file the
// logger is discarded.
func SetupFileOnly(cfg config.LoggingConfig) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.File == "" {
		Discard()
		return nopCloser{}
	}
	rotator := newRotator(cfg)
	log.SetOutput(rotator)
	return rotator
}

func newRotator(cfg config.LoggingConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   util.ExpandHome(cfg.File),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

// Discard silences the standard logger. Interactive commands use it so log
// lines do not interleave with rendered output.
func Discard() {
	log.SetOutput(io.Discard)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
