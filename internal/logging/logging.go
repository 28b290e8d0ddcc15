// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the structured loggers used across parley.
//
// Every component logs through a child of one root zerolog.Logger tagged with
// a "component" field, so lines from the turn controller, the backend client
// and the development server can be told apart in one file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Component names used with Component.
const (
	App     = "app"
	Turn    = "turn"
	Stream  = "stream"
	Backend = "backend"
	Server  = "server"
	Storage = "storage"
	CLI     = "cli"
	Config  = "config"
)

// ParseLevel maps a level name to a zerolog level. Names are case-insensitive;
// empty or unknown names select info.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New returns a root logger writing to w at the given level. Terminals get
// the human-readable console writer; everything else gets JSON lines.
func New(w io.Writer, level string) zerolog.Logger {
	out := w
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// OpenFile opens (creating if needed) a log file for appending and returns a
// logger writing to it. The caller closes the returned file.
func OpenFile(path, level string) (zerolog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return New(f, level), f, nil
}

// Component returns a child logger tagged with the component name.
func Component(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}
