// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/parley/internal/util"
)

// ErrIDAlreadyAssigned is returned when a message that already carries a
// persisted id is given a different one.
var ErrIDAlreadyAssigned = errors.New("message already has a persisted id")

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleHuman:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// USAGE AND TOOLS
// =============================================================================

// Usage is the token metering attached to a completed generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ToolInvocation is a tool call made while an assistant message streamed.
// It is a sub-record of that message, never a transcript entry.
type ToolInvocation struct {
	ID      string          `json:"tool_id"`
	Name    string          `json:"tool_name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Done    bool            `json:"done"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// Identity. LocalID always exists; ID stays empty until the backend
	// acknowledges storage.
	LocalID   string    `json:"-"`
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	Content string `json:"content"`

	// Multi-party conversations only.
	SpeakerEntityID string `json:"speaker_entity_id,omitempty"`

	// Captured at send time and never mutated afterwards.
	Attachments Attachments `json:"attachments,omitempty"`

	IsError     bool             `json:"is_error,omitempty"`
	IsStreaming bool             `json:"-"`
	Usage       Usage            `json:"usage,omitempty"`
	Tools       []ToolInvocation `json:"tools,omitempty"`
}

// NewHumanMessage creates a human message carrying its attachment snapshot.
func NewHumanMessage(content string, attachments Attachments) *Message {
	return &Message{
		LocalID:     uuid.NewString(),
		Role:        RoleHuman,
		Content:     content,
		Attachments: attachments,
		Timestamp:   time.Now(),
	}
}

// NewAssistantPlaceholder creates an empty, streaming assistant message.
func NewAssistantPlaceholder(speakerEntityID string) *Message {
	return &Message{
		LocalID:         uuid.NewString(),
		Role:            RoleAssistant,
		SpeakerEntityID: speakerEntityID,
		IsStreaming:     true,
		Timestamp:       time.Now(),
	}
}

// NewErrorMessage creates the error bubble shown after a failed turn.
func NewErrorMessage(text string) *Message {
	return &Message{
		LocalID:   uuid.NewString(),
		Role:      RoleAssistant,
		Content:   text,
		IsError:   true,
		Timestamp: time.Now(),
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// SetPersistedID records the backend id. Assigning the same id again is a
// no-op; assigning a different one fails with ErrIDAlreadyAssigned.
func (m *Message) SetPersistedID(id string) error {
	if id == "" {
		return nil
	}
	if m.ID == "" {
		m.ID = id
		return nil
	}
	if m.ID != id {
		return ErrIDAlreadyAssigned
	}
	return nil
}

// EnsureLocalID assigns an in-memory id to a message decoded from the wire.
func (m *Message) EnsureLocalID() {
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
}

// IsPersisted reports whether the backend has stored this message.
func (m *Message) IsPersisted() bool {
	return m.ID != ""
}

// Actionable reports whether copy/edit/regenerate/speak affordances apply.
func (m *Message) Actionable() bool {
	return m.ID != "" && !m.IsError && !m.IsStreaming
}

// FinalizeStream completes streaming with the final content, usage and
// completion time. It reports false, changing nothing, if the message was
// not streaming.
func (m *Message) FinalizeStream(content string, usage Usage, at time.Time) bool {
	if !m.IsStreaming {
		return false
	}
	m.Content = content
	m.Usage = usage
	m.Timestamp = at
	m.IsStreaming = false
	return true
}

// ToolByID returns the index of the tool invocation with the given id, or -1.
func (m *Message) ToolByID(id string) int {
	for i := range m.Tools {
		if m.Tools[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a value copy that shares no mutable slices with m.
func (m *Message) Clone() Message {
	c := *m
	if m.Tools != nil {
		c.Tools = make([]ToolInvocation, len(m.Tools))
		copy(c.Tools, m.Tools)
	}
	return c
}

// Preview returns a single-line preview of at most maxLen runes, ending in
// "..." when the content was cut.
func (m *Message) Preview(maxLen int) string {
	return util.TruncateRunes(DeriveTitleN(m.Content, len(m.Content)), maxLen)
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0
}
