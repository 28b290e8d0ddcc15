// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attachments

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestStage_Classification(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		wantImage bool
		wantFile  bool
		wantErr   error
	}{
		{"notes.txt", []byte("hello world\n"), false, true, nil},
		{"data.json", []byte(`{"a": 1}`), false, true, nil},
		{"pixel.png", pngHeader, true, false, nil},
		{"blob.bin", []byte{0x00, 0x01, 0x02, 0xfe, 0xff, 0x00}, false, false, ErrUnsupportedType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStager(Limits{})
			added, err := s.Stage(tc.name, tc.data)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Zero(t, s.Pending())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantImage, len(added.Images) == 1)
			assert.Equal(t, tc.wantFile, len(added.Files) == 1)
			assert.Equal(t, 1, s.Pending())
		})
	}
}

func TestStage_ImageIsBase64(t *testing.T) {
	s := NewStager(Limits{})
	added, err := s.Stage("pixel.png", pngHeader)
	require.NoError(t, err)
	require.Len(t, added.Images, 1)
	assert.Equal(t, "image/png", added.Images[0].MediaType)
	decoded, err := base64.StdEncoding.DecodeString(added.Images[0].Data)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, decoded)
}

func TestStage_TextFields(t *testing.T) {
	s := NewStager(Limits{})
	added, err := s.Stage("notes.txt", []byte("line one"))
	require.NoError(t, err)
	require.Len(t, added.Files, 1)
	f := added.Files[0]
	assert.Equal(t, "notes.txt", f.Name)
	assert.Equal(t, "text/plain", f.MediaType)
	assert.Equal(t, "line one", f.Content)
	assert.Equal(t, TextContentType, f.ContentType)
}

func TestStage_Limits(t *testing.T) {
	s := NewStager(Limits{MaxFileSize: 8, MaxItems: 2})
	_, err := s.Stage("big.txt", []byte(strings.Repeat("x", 9)))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = s.Stage("a.txt", []byte("a"))
	require.NoError(t, err)
	_, err = s.Stage("b.txt", []byte("b"))
	require.NoError(t, err)
	_, err = s.Stage("c.txt", []byte("c"))
	assert.ErrorIs(t, err, ErrTooMany)
	assert.Equal(t, 2, s.Pending())
}

func TestStageFile(t *testing.T) {
	s := NewStager(Limits{})

	path := writeFile(t, "readme.md", []byte("# Title\n"))
	added, err := s.StageFile(path)
	require.NoError(t, err)
	require.Len(t, added.Files, 1)
	assert.Equal(t, "readme.md", added.Files[0].Name)

	_, err = s.StageFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = s.StageFile(t.TempDir())
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestSnapshotAndClear(t *testing.T) {
	s := NewStager(Limits{})
	_, err := s.Stage("pixel.png", pngHeader)
	require.NoError(t, err)
	_, err = s.Stage("notes.txt", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pixel.png", "notes.txt"}, s.Names())
	assert.Equal(t, 2, s.Staged().Count())
	assert.Equal(t, 2, s.Pending(), "Staged does not unstage")

	snap := s.SnapshotAndClear()
	assert.Equal(t, 2, snap.Count())
	assert.Zero(t, s.Pending())
	assert.True(t, s.SnapshotAndClear().IsEmpty(), "second snapshot is empty")

	_, err = s.Stage("notes.txt", []byte("hi"))
	require.NoError(t, err)
	s.Clear()
	assert.Zero(t, s.Pending())
	assert.Len(t, snap.Files, 1, "earlier snapshot is unaffected")
}
