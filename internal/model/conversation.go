// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is the transcript of one chat: its ordered messages and the
// entities taking part in it.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Entities []Entity   `json:"entities"`
	Messages []*Message `json:"messages"`
}

// NewConversation creates an empty conversation with the given entities.
func NewConversation(id string, entities []Entity) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Entities:  entities,
		Messages:  make([]*Message, 0),
	}
}

// IsMultiParty reports whether two or more entities take part.
func (c *Conversation) IsMultiParty() bool {
	return len(c.Entities) >= 2
}

// EntityIDs returns the ids of the participating entities in order.
func (c *Conversation) EntityIDs() []string {
	ids := make([]string, len(c.Entities))
	for i, e := range c.Entities {
		ids[i] = e.ID
	}
	return ids
}

// EntityByID looks up a participating entity.
func (c *Conversation) EntityByID(id string) (Entity, bool) {
	for _, e := range c.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// NeedsTitle reports whether the conversation is still untitled.
func (c *Conversation) NeedsTitle() bool {
	return c.Title == ""
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message to the end of the transcript.
func (c *Conversation) Append(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// InsertAt inserts msg so that it ends up at index i. Out-of-range indexes
// are clamped to the ends of the transcript.
func (c *Conversation) InsertAt(i int, msg *Message) {
	if i < 0 {
		i = 0
	}
	if i >= len(c.Messages) {
		c.Append(msg)
		return
	}
	c.Messages = append(c.Messages, nil)
	copy(c.Messages[i+1:], c.Messages[i:])
	c.Messages[i] = msg
	c.UpdatedAt = time.Now()
}

// Remove deletes msg and returns the index it occupied, or -1 if absent.
func (c *Conversation) Remove(msg *Message) int {
	i := c.IndexOf(msg)
	if i < 0 {
		return -1
	}
	c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
	c.UpdatedAt = time.Now()
	return i
}

// IndexOf returns the transcript position of msg, matched by LocalID.
func (c *Conversation) IndexOf(msg *Message) int {
	if msg == nil {
		return -1
	}
	for i, m := range c.Messages {
		if m.LocalID == msg.LocalID {
			return i
		}
	}
	return -1
}

// FindByID returns the message with the given persisted id and its index.
func (c *Conversation) FindByID(id string) (*Message, int) {
	if id == "" {
		return nil, -1
	}
	for i, m := range c.Messages {
		if m.ID == id {
			return m, i
		}
	}
	return nil, -1
}

// FindByLocalID returns the message with the given in-memory id and its index.
func (c *Conversation) FindByLocalID(localID string) (*Message, int) {
	for i, m := range c.Messages {
		if m.LocalID == localID {
			return m, i
		}
	}
	return nil, -1
}

// NextAssistantAfter returns the assistant message answering the message at
// index i: the first assistant entry after i, provided no human message comes
// first.
func (c *Conversation) NextAssistantAfter(i int) (*Message, int) {
	for j := i + 1; j < len(c.Messages); j++ {
		switch c.Messages[j].Role {
		case RoleAssistant:
			return c.Messages[j], j
		case RoleHuman:
			return nil, -1
		}
	}
	return nil, -1
}

// PreviousHumanBefore returns the closest human message before index i.
func (c *Conversation) PreviousHumanBefore(i int) (*Message, int) {
	if i > len(c.Messages) {
		i = len(c.Messages)
	}
	for j := i - 1; j >= 0; j-- {
		if c.Messages[j].Role == RoleHuman {
			return c.Messages[j], j
		}
	}
	return nil, -1
}

// FirstHuman returns the first human message, or nil.
func (c *Conversation) FirstHuman() *Message {
	for _, m := range c.Messages {
		if m.Role == RoleHuman {
			return m
		}
	}
	return nil
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// Snapshot returns value copies of every message in order.
func (c *Conversation) Snapshot() []Message {
	out := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Clone()
	}
	return out
}

// =============================================================================
// CONVERSATION METADATA
// =============================================================================

// ConversationMeta is the lightweight form used in conversation lists.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	EntityIDs    []string  `json:"entity_ids,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Meta returns the metadata summary of the conversation.
func (c *Conversation) Meta() ConversationMeta {
	return ConversationMeta{
		ID:           c.ID,
		Title:        c.Title,
		EntityIDs:    c.EntityIDs(),
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
