// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogMaxSize = 50

// ApplyLogConfig sets the global zerolog level and output from the current
// config. Called at startup and again on every reload.
func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Config.LogLevel)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := consoleWriter(c.version)
	if c.Config.LogPath != "" {
		rotated, err := rotatingWriter(c.Config.LogPath, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Logging to file disabled")
		} else {
			out = io.MultiWriter(out, rotated)
		}
	}

	log.Logger = log.Logger.Output(out).Level(lvl)
}

// InitDefaultLogger points zerolog at stderr before any config is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(consoleWriter(version))
}

func rotatingWriter(path string, maxSize, maxBackups int) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if maxSize <= 0 {
		maxSize = defaultLogMaxSize
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: max(maxBackups, 0),
	}, nil
}

// consoleWriter renders human-readable lines for dev builds and plain JSON
// otherwise.
func consoleWriter(version string) io.Writer {
	v := strings.ToLower(strings.TrimSpace(version))
	if v != "" && v != "dev" && !strings.HasSuffix(v, "-dev") {
		return os.Stderr
	}

	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	w.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
	w.FormatMessage = func(i any) string {
		if i == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(i))
	}
	return w
}
