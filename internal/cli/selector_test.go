// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"io"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/turn"
)

var trio = []model.Entity{
	{ID: "ada", Name: "Ada", Description: "mathematician"},
	{ID: "bo", Name: "Bo"},
	{ID: "cy"},
}

func press(m pickerModel, msgs ...tea.KeyMsg) (pickerModel, tea.Cmd) {
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(pickerModel)
	}
	return m, cmd
}

func TestPicker_Navigation(t *testing.T) {
	m := newPicker(turn.SelectionRequest{Mode: turn.ModeRespond, Entities: trio})
	assert.Contains(t, m.View(), "Who should respond?")
	assert.Contains(t, m.View(), "> 1. Ada")

	m, cmd := press(m,
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyUp},
	)
	assert.Nil(t, cmd)
	assert.Equal(t, 1, m.cursor, "cursor stops at the last entry")

	m, cmd = press(m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, "bo", m.chosen)
	assert.Empty(t, m.View())
}

func TestPicker_DigitAndCancel(t *testing.T) {
	m := newPicker(turn.SelectionRequest{Mode: turn.ModeContinuation, Entities: trio})
	m, cmd := press(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("3")})
	require.NotNil(t, cmd)
	assert.Equal(t, "cy", m.chosen)

	m = newPicker(turn.SelectionRequest{Mode: turn.ModeContinuation, Entities: trio})
	m, _ = press(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("9")})
	assert.Empty(t, m.chosen, "out of range digits are ignored")

	m, cmd = press(m, tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.True(t, m.cancelled)
}

func TestSelectionTitle(t *testing.T) {
	tests := []struct {
		req  turn.SelectionRequest
		want string
	}{
		{turn.SelectionRequest{Mode: turn.ModeRespond}, "Who should respond?"},
		{turn.SelectionRequest{Mode: turn.ModeContinuation}, "Who speaks next?"},
		{turn.SelectionRequest{Mode: turn.ModeContinuation, Automatic: true}, "Who speaks next? (esc to let the conversation rest)"},
		{turn.SelectionRequest{Mode: turn.ModeRegenerate}, "Who should answer again?"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, selectionTitle(tc.req))
	}
}

func TestMatchEntity(t *testing.T) {
	tests := []struct {
		ref    string
		want   string
		wantOK bool
	}{
		{"1", "ada", true},
		{"3", "cy", true},
		{"4", "", false},
		{"bo", "bo", true},
		{"ADA", "ada", true},
		{"cy", "cy", true},
		{"zed", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.ref, func(t *testing.T) {
			got, ok := MatchEntity(trio, tc.ref)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func scriptedPrompt(answers ...string) func(string) (string, error) {
	return func(string) (string, error) {
		if len(answers) == 0 {
			return "", io.EOF
		}
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}
}

func TestLineSelector(t *testing.T) {
	req := turn.SelectionRequest{Mode: turn.ModeRespond, Entities: trio}
	ctx := context.Background()

	tests := []struct {
		name    string
		answers []string
		want    string
		wantErr error
	}{
		{"by number", []string{"2"}, "bo", nil},
		{"by name after a miss", []string{"zed", "Ada"}, "ada", nil},
		{"empty cancels", []string{""}, "", turn.ErrSelectionCancelled},
		{"eof cancels", nil, "", turn.ErrSelectionCancelled},
		{"gives up", []string{"x", "y", "z", "1"}, "", turn.ErrSelectionCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			sel := LineSelector{Prompt: scriptedPrompt(tc.answers...), Out: &out}
			got, err := sel.SelectResponder(ctx, req)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Contains(t, out.String(), "2. Bo")
		})
	}
}

func TestLineSelector_NoEntities(t *testing.T) {
	sel := LineSelector{Prompt: scriptedPrompt("1"), Out: io.Discard}
	_, err := sel.SelectResponder(context.Background(), turn.SelectionRequest{})
	assert.ErrorIs(t, err, turn.ErrSelectionCancelled)
}
