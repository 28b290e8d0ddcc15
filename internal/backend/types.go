// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// TURN REQUESTS
// =============================================================================

// GenerationParams are the per-turn generation settings.
type GenerationParams struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Verbosity    string
}

// SendRequest is the body of POST /api/chat/stream.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	// Message is null when the turn carries only attachments, and for
	// continuation turns.
	Message *string `json:"message"`
	// Model is omitted in multi-party conversations; the responding
	// entity's own model governs.
	Model              string            `json:"model,omitempty"`
	Temperature        float64           `json:"temperature"`
	MaxTokens          int               `json:"max_tokens"`
	SystemPrompt       string            `json:"system_prompt"`
	Verbosity          string            `json:"verbosity"`
	RespondingEntityID string            `json:"responding_entity_id,omitempty"`
	UserDisplayName    string            `json:"user_display_name,omitempty"`
	Attachments        model.Attachments `json:"attachments"`
}

// RegenerateRequest is the body of POST /api/chat/regenerate.
type RegenerateRequest struct {
	MessageID          string  `json:"message_id"`
	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"max_tokens"`
	SystemPrompt       string  `json:"system_prompt"`
	Verbosity          string  `json:"verbosity"`
	RespondingEntityID string  `json:"responding_entity_id,omitempty"`
	Model              string  `json:"model,omitempty"`
}

// TextPtr returns a pointer to text, or nil for an empty string.
func TextPtr(text string) *string {
	if text == "" {
		return nil
	}
	return &text
}

// =============================================================================
// CONVERSATION REQUESTS
// =============================================================================

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Title     string   `json:"title,omitempty"`
	EntityIDs []string `json:"entity_ids"`
}

// UpdateConversationRequest is the body of PATCH /api/conversations/{id}.
type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// UpdateMessageRequest is the body of PUT /api/messages/{id}.
type UpdateMessageRequest struct {
	Content string `json:"content"`
}

// EditResult is the response of PUT /api/messages/{id}. Editing a human
// message deletes the assistant reply that followed it.
type EditResult struct {
	Message                   model.Message `json:"message"`
	DeletedAssistantMessageID string        `json:"deleted_assistant_message_id,omitempty"`
}

// ErrorBody is the JSON error envelope returned by the backend.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
