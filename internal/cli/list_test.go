// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/parley/internal/model"
)

func TestFormatTimeAgo(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-20 * time.Second), "just now"},
		{now.Add(-1 * time.Minute), "1 min ago"},
		{now.Add(-5 * time.Minute), "5 mins ago"},
		{now.Add(-3 * time.Hour), "3 hours ago"},
		{now.Add(-26 * time.Hour), "1 day ago"},
		{now.Add(-30 * 24 * time.Hour), "Feb 08 2025"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, formatTimeAgo(tc.at, now))
	}
}

func TestFormatConversationList(t *testing.T) {
	now := time.Now()
	assert.Contains(t, FormatConversationList(nil, "", now), "No conversations yet")

	out := FormatConversationList([]model.ConversationMeta{
		{ID: "01HAAAAAA1", Title: "Greetings", EntityIDs: []string{"ada"}, MessageCount: 2, UpdatedAt: now},
		{ID: "01HBBBBBB2", Title: "", EntityIDs: []string{"ada", "bo"}, MessageCount: 5, UpdatedAt: now},
		{ID: "01HCCCCCC3", Title: strings.Repeat("long ", 20)},
	}, "01HBBBBBB2", now)

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "Title")
	assert.True(t, strings.HasPrefix(lines[2], "  1"), lines[2])
	assert.Contains(t, lines[2], "Greetings")
	assert.Contains(t, lines[2], "AAAAA1")
	assert.True(t, strings.HasPrefix(lines[3], "* 2"), "selected row is marked: %q", lines[3])
	assert.Contains(t, lines[3], "Untitled")
	assert.Contains(t, lines[3], "ada,bo")
	assert.Contains(t, lines[4], "...")
	assert.Contains(t, lines[4], "-")
}
