// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

// LineReader reads edited lines of input.
type LineReader interface {
	// ReadInput reads one line. io.EOF or liner.ErrPromptAborted end the
	// session.
	ReadInput(prompt string) (string, error)
	// EditInput reads one line starting from text.
	EditInput(prompt, text string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

var _ LineReader = (*ChatCLI)(nil)

// NewChatCLI creates a line editor whose history is kept in historyFile.
// An empty historyFile disables persistence.
func NewChatCLI(historyFile string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{line: line, historyFile: historyFile}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if c.historyFile == "" {
		return
	}
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// EditInput reads a line pre-filled with text, cursor at the end.
func (c *ChatCLI) EditInput(prompt, text string) (string, error) {
	// liner edits a single line.
	text = strings.ReplaceAll(text, "\n", " ")
	return c.line.PromptWithSuggestion(prompt, text, -1)
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if c.historyFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}
