// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"

	"github.com/jeranaias/parley/internal/model"
)

// PreviewLines caps how much of each staged file /preview shows.
const PreviewLines = 12

// highlight colours code for the terminal, choosing the lexer from the file
// name and falling back to content analysis. Without colours the code is
// returned as is.
func highlight(name, code string) string {
	if !ColorsEnabled() {
		return code
	}
	lexer := lexers.Match(name)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

// FormatPreview renders the head of each staged text file and a line per
// staged image.
func FormatPreview(a model.Attachments) string {
	if a.IsEmpty() {
		return DimStyle.Render("Nothing attached.")
	}
	var b strings.Builder
	for _, img := range a.Images {
		fmt.Fprintf(&b, "%s %s\n", TitleStyle.Render(img.Name), DimStyle.Render("("+img.MediaType+")"))
	}
	for _, f := range a.Files {
		fmt.Fprintf(&b, "%s %s\n", TitleStyle.Render(f.Name), DimStyle.Render("("+f.MediaType+")"))
		lines := strings.Split(strings.TrimRight(f.Content, "\n"), "\n")
		more := 0
		if len(lines) > PreviewLines {
			more = len(lines) - PreviewLines
			lines = lines[:PreviewLines]
		}
		b.WriteString(strings.TrimRight(highlight(f.Name, strings.Join(lines, "\n")), "\n"))
		b.WriteString("\n")
		if more > 0 {
			b.WriteString(DimStyle.Render(fmt.Sprintf("... %d more lines", more)))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
