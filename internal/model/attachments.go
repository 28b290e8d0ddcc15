// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// Image is a base64-encoded image attachment.
type Image struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// File is a text file attachment.
type File struct {
	Name        string `json:"name"`
	MediaType   string `json:"media_type"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// Attachments is the set of images and files sent with one human message.
type Attachments struct {
	Images []Image `json:"images"`
	Files  []File  `json:"files"`
}

// IsEmpty reports whether no attachment is present.
func (a Attachments) IsEmpty() bool {
	return len(a.Images) == 0 && len(a.Files) == 0
}

// Count returns the total number of attachments.
func (a Attachments) Count() int {
	return len(a.Images) + len(a.Files)
}

// Clone returns a copy with its own backing slices.
func (a Attachments) Clone() Attachments {
	var c Attachments
	if len(a.Images) > 0 {
		c.Images = append([]Image(nil), a.Images...)
	}
	if len(a.Files) > 0 {
		c.Files = append([]File(nil), a.Files...)
	}
	return c
}
