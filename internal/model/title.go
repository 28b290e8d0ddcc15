// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/parley/internal/util"
)

// TitleLength is the number of characters a derived title keeps.
const TitleLength = 50

// DeriveTitle builds a conversation title from the first human message.
func DeriveTitle(text string) string {
	return DeriveTitleN(text, TitleLength)
}

// DeriveTitleN returns the first n characters of text as a single line.
// The text is NFC-normalized so combining sequences count as one character.
func DeriveTitleN(text string, n int) string {
	s := norm.NFC.String(text)
	s = strings.Join(strings.Fields(s), " ")
	return util.TruncateRunesNoEllipsis(s, n)
}
