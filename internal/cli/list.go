// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/util"
)

// FormatConversationList renders conversation summaries as a table. The
// selected conversation is marked.
func FormatConversationList(items []model.ConversationMeta, selected string, now time.Time) string {
	if len(items) == 0 {
		return "No conversations yet. Send a message to start one."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %-4s %-32s %-16s %-6s %-14s %s\n", "#", "Title", "Entities", "Msgs", "Updated", "ID")
	b.WriteString("  " + strings.Repeat("-", 82) + "\n")
	for i, c := range items {
		marker := " "
		if c.ID == selected {
			marker = "*"
		}
		title := c.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&b, "%s %-4d %s %s %-6d %-14s %s\n",
			marker,
			i+1,
			util.PadWidth(util.TruncateWidth(title, 32), 32),
			util.PadWidth(util.TruncateWidth(strings.Join(c.EntityIDs, ","), 16), 16),
			c.MessageCount,
			formatTimeAgo(c.UpdatedAt, now),
			ShortID(c.ID),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatTimeAgo formats t relative to now.
func formatTimeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "min") + " ago"
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour") + " ago"
	case d < 7*24*time.Hour:
		return plural(int(d.Hours()/24), "day") + " ago"
	default:
		return t.Format("Jan 02 2006")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
