// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/turn"
)

// selectionTitle is the question shown for a selection request.
func selectionTitle(req turn.SelectionRequest) string {
	switch {
	case req.Automatic:
		return "Who speaks next? (esc to let the conversation rest)"
	case req.Mode == turn.ModeContinuation:
		return "Who speaks next?"
	case req.Mode == turn.ModeRegenerate:
		return "Who should answer again?"
	default:
		return "Who should respond?"
	}
}

// =============================================================================
// KEY MAP
// =============================================================================

// PickerKeyMap defines the responder picker's key bindings.
type PickerKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Choose key.Binding
	Cancel key.Binding
}

// DefaultPickerKeyMap returns arrow and vim-style bindings.
func DefaultPickerKeyMap() PickerKeyMap {
	return PickerKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k", "shift+tab"),
			key.WithHelp("up/k", "previous"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j", "tab"),
			key.WithHelp("down/j", "next"),
		),
		Choose: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "choose"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc", "ctrl+c", "q"),
			key.WithHelp("esc", "cancel"),
		),
	}
}

// ShortHelp returns the bindings shown under the list.
func (k PickerKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Choose, k.Cancel}
}

// =============================================================================
// PICKER MODEL
// =============================================================================

type pickerModel struct {
	title     string
	entities  []model.Entity
	keys      PickerKeyMap
	cursor    int
	chosen    string
	cancelled bool
}

func newPicker(req turn.SelectionRequest) pickerModel {
	return pickerModel{
		title:    selectionTitle(req),
		entities: req.Entities,
		keys:     DefaultPickerKeyMap(),
	}
}

func (m pickerModel) Init() tea.Cmd { return nil }

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch {
	case key.Matches(km, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(km, m.keys.Down):
		if m.cursor < len(m.entities)-1 {
			m.cursor++
		}
	case key.Matches(km, m.keys.Choose):
		if len(m.entities) > 0 {
			m.chosen = m.entities[m.cursor].ID
		}
		return m, tea.Quit
	case key.Matches(km, m.keys.Cancel):
		m.cancelled = true
		return m, tea.Quit
	default:
		// Digits pick directly.
		if n, err := strconv.Atoi(km.String()); err == nil && n >= 1 && n <= len(m.entities) {
			m.cursor = n - 1
			m.chosen = m.entities[n-1].ID
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m pickerModel) View() string {
	if m.chosen != "" || m.cancelled {
		return ""
	}
	var b strings.Builder
	b.WriteString(TitleStyle.Render(m.title))
	b.WriteString("\n")
	for i, e := range m.entities {
		line := fmt.Sprintf("%d. %s", i+1, e.DisplayName())
		if i == m.cursor {
			b.WriteString(SelectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		if e.Description != "" {
			b.WriteString(DimStyle.Render("  " + e.Description))
		}
		b.WriteString("\n")
	}
	help := make([]string, 0, 4)
	for _, k := range m.keys.ShortHelp() {
		h := k.Help()
		help = append(help, h.Key+" "+h.Desc)
	}
	b.WriteString(DimStyle.Render(strings.Join(help, " | ")))
	b.WriteString("\n")
	return b.String()
}

// =============================================================================
// SELECTORS
// =============================================================================

// PickerSelector asks with an inline list driven by the arrow keys.
type PickerSelector struct {
	In  io.Reader
	Out io.Writer
}

// SelectResponder runs the picker until a choice, a cancel or ctx ends.
func (p PickerSelector) SelectResponder(ctx context.Context, req turn.SelectionRequest) (string, error) {
	if len(req.Entities) == 0 {
		return "", turn.ErrSelectionCancelled
	}
	opts := []tea.ProgramOption{}
	if p.In != nil {
		opts = append(opts, tea.WithInput(p.In))
	}
	if p.Out != nil {
		opts = append(opts, tea.WithOutput(p.Out))
	}
	prog := tea.NewProgram(newPicker(req), opts...)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			prog.Quit()
		case <-done:
		}
	}()

	final, err := prog.Run()
	if err != nil {
		return "", fmt.Errorf("responder picker: %w", err)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	m, ok := final.(pickerModel)
	if !ok || m.cancelled || m.chosen == "" {
		return "", turn.ErrSelectionCancelled
	}
	return m.chosen, nil
}

// LineSelector asks with a numbered list answered on the input line. It
// serves terminals the picker cannot drive.
type LineSelector struct {
	// Prompt reads one line of input.
	Prompt func(prompt string) (string, error)
	Out    io.Writer
}

// maxSelectionAttempts bounds re-prompts after unrecognised answers.
const maxSelectionAttempts = 3

// SelectResponder prints the choices and reads a number, id or name. An
// empty answer cancels.
func (l LineSelector) SelectResponder(ctx context.Context, req turn.SelectionRequest) (string, error) {
	if len(req.Entities) == 0 {
		return "", turn.ErrSelectionCancelled
	}
	fmt.Fprintln(l.Out, TitleStyle.Render(selectionTitle(req)))
	for i, e := range req.Entities {
		fmt.Fprintf(l.Out, "  %d. %s\n", i+1, e.DisplayName())
	}

	for attempt := 0; attempt < maxSelectionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		answer, err := l.Prompt(PromptStyle.Render("responder> "))
		if err != nil {
			return "", turn.ErrSelectionCancelled
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return "", turn.ErrSelectionCancelled
		}
		if id, ok := MatchEntity(req.Entities, answer); ok {
			return id, nil
		}
		fmt.Fprintln(l.Out, WarningStyle.Render(fmt.Sprintf("No entity matches %q.", answer)))
	}
	return "", turn.ErrSelectionCancelled
}

// MatchEntity resolves a 1-based position, an id or a case-insensitive name.
func MatchEntity(entities []model.Entity, ref string) (string, bool) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(entities) {
			return entities[n-1].ID, true
		}
		return "", false
	}
	for _, e := range entities {
		if e.ID == ref || strings.EqualFold(e.DisplayName(), ref) {
			return e.ID, true
		}
	}
	return "", false
}
