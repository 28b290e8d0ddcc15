// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attachments stages files for the next chat message.
//
// Images are sent base64-encoded; anything that detects as text is sent
// inline. Other binary content is refused.
package attachments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jeranaias/parley/internal/model"
)

// Errors returned by StageFile.
var (
	ErrFileNotFound    = errors.New("file not found")
	ErrIsDirectory     = errors.New("path is a directory")
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooMany         = errors.New("too many attachments")
)

const (
	// DefaultMaxFileSize bounds text files.
	DefaultMaxFileSize = 512 * 1024
	// DefaultMaxImageSize bounds images before encoding.
	DefaultMaxImageSize = 5 * 1024 * 1024
	// DefaultMaxItems bounds the number of staged attachments.
	DefaultMaxItems = 10

	// TextContentType is the content_type of staged text files.
	TextContentType = "text"
)

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Limits bounds what may be staged. Zero fields take the defaults.
type Limits struct {
	MaxFileSize  int64
	MaxImageSize int64
	MaxItems     int
}

// Stager holds attachments until the next message takes them. It is safe
// for concurrent use.
type Stager struct {
	limits Limits

	mu     sync.Mutex
	staged model.Attachments
}

// NewStager creates an empty stager.
func NewStager(limits Limits) *Stager {
	if limits.MaxFileSize <= 0 {
		limits.MaxFileSize = DefaultMaxFileSize
	}
	if limits.MaxImageSize <= 0 {
		limits.MaxImageSize = DefaultMaxImageSize
	}
	if limits.MaxItems <= 0 {
		limits.MaxItems = DefaultMaxItems
	}
	return &Stager{limits: limits}
}

// StageFile reads path and stages it as an image or a text file.
func (s *Stager) StageFile(path string) (model.Attachments, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Attachments{}, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		return model.Attachments{}, err
	}
	if info.IsDir() {
		return model.Attachments{}, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}

	limit := s.limits.MaxImageSize
	if s.limits.MaxFileSize > limit {
		limit = s.limits.MaxFileSize
	}
	if info.Size() > limit {
		return model.Attachments{}, fmt.Errorf("%s (%d bytes): %w", path, info.Size(), ErrFileTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return model.Attachments{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return s.Stage(filepath.Base(path), data)
}

// Stage classifies data by its detected type and stages it under name.
// It returns what was added.
func (s *Stager) Stage(name string, data []byte) (model.Attachments, error) {
	mtype := mimetype.Detect(data)
	mediaType := baseType(mtype.String())

	var added model.Attachments
	switch {
	case imageTypes[mediaType]:
		if int64(len(data)) > s.limits.MaxImageSize {
			return added, fmt.Errorf("%s: %w", name, ErrFileTooLarge)
		}
		added.Images = []model.Image{{
			Name:      name,
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		}}
	case isText(mtype):
		if int64(len(data)) > s.limits.MaxFileSize {
			return added, fmt.Errorf("%s: %w", name, ErrFileTooLarge)
		}
		added.Files = []model.File{{
			Name:        name,
			MediaType:   mediaType,
			Content:     string(data),
			ContentType: TextContentType,
		}}
	default:
		return added, fmt.Errorf("%s (%s): %w", name, mediaType, ErrUnsupportedType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged.Count() >= s.limits.MaxItems {
		return model.Attachments{}, fmt.Errorf("limit is %d: %w", s.limits.MaxItems, ErrTooMany)
	}
	s.staged.Images = append(s.staged.Images, added.Images...)
	s.staged.Files = append(s.staged.Files, added.Files...)
	return added, nil
}

// Pending returns the number of staged attachments.
func (s *Stager) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged.Count()
}

// Names lists staged attachment names, images first.
func (s *Stager) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, s.staged.Count())
	for _, img := range s.staged.Images {
		names = append(names, img.Name)
	}
	for _, f := range s.staged.Files {
		names = append(names, f.Name)
	}
	return names
}

// Staged returns a copy of what is staged without unstaging it.
func (s *Stager) Staged() model.Attachments {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged.Clone()
}

// SnapshotAndClear returns the staged attachments and empties the stager.
func (s *Stager) SnapshotAndClear() model.Attachments {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.staged
	s.staged = model.Attachments{}
	return snap
}

// Clear drops everything staged.
func (s *Stager) Clear() {
	s.mu.Lock()
	s.staged = model.Attachments{}
	s.mu.Unlock()
}

func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

func isText(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
