// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// PromptStyle is the input prompt
	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// HumanStyle labels the user's messages
	HumanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")). // Green
			Bold(true)

	// SpeakerStyle labels assistant messages
	SpeakerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213")). // Pink
			Bold(true)

	// ErrorStyle is used for error messages and failed turns
	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	// WarningStyle is used for warnings
	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Orange

	// InfoStyle is used for informational notes
	InfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")) // Light blue

	// DimStyle is used for ids, usage and other secondary text
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	// SelectedStyle highlights the cursor row in pickers
	SelectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// SeparatorStyle is used for horizontal rules
	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// RenderSeparator returns a horizontal rule of the given width.
func RenderSeparator(width int) string {
	if width <= 0 {
		width = 60
	}
	return SeparatorStyle.Render(strings.Repeat("-", width))
}
