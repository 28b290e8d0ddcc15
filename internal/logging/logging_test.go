// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  zerolog.Level
	}{
		{"Debug level", "DEBUG", zerolog.DebugLevel},
		{"Info level", "INFO", zerolog.InfoLevel},
		{"Warn level", "WARN", zerolog.WarnLevel},
		{"Warning alias", "warning", zerolog.WarnLevel},
		{"Error level", "ERROR", zerolog.ErrorLevel},
		{"Empty defaults to Info", "", zerolog.InfoLevel},
		{"Invalid defaults to Info", "INVALID", zerolog.InfoLevel},
		{"Case insensitive", "debug", zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestComponent_TagsLines(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, "info"), Turn)
	log.Info().Str("phase", "sending").Msg("turn started")
	log.Debug().Msg("filtered")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "turn", rec["component"])
	assert.Equal(t, "sending", rec["phase"])
	assert.Equal(t, "turn started", rec["message"])
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "parley.log")
	log, f, err := OpenFile(path, "debug")
	require.NoError(t, err)
	log.Debug().Msg("hello")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
}
