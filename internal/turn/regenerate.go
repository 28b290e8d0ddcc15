// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/parley/internal/backend"
	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// REGENERATE
// =============================================================================

// RegenerateMessage re-answers the turn containing messageID. For an
// assistant message the message itself is replaced; for a human message the
// assistant reply that follows it is. The replacement streams into the same
// transcript position.
func (c *Controller) RegenerateMessage(ctx context.Context, messageID string) error {
	return c.regenerate(ctx, messageID, KindRegenerate)
}

func (c *Controller) regenerate(ctx context.Context, messageID string, kind Kind) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return c.reject(ErrBusy)
	}
	if c.conv == nil {
		c.mu.Unlock()
		return c.reject(ErrNoConversation)
	}
	if msg, _ := c.conv.FindByID(messageID); msg == nil {
		c.mu.Unlock()
		return c.reject(ErrMessageNotFound)
	}

	multiParty := c.conv.IsMultiParty()
	start := PhaseSending
	if multiParty {
		start = PhaseAwaitingResponderSelection
	}
	t := c.beginLocked(kind, start)
	req := SelectionRequest{
		Mode:           ModeRegenerate,
		ConversationID: c.conv.ID,
		Entities:       append([]model.Entity(nil), c.conv.Entities...),
		MessageID:      messageID,
	}
	c.mu.Unlock()
	c.sink.OnBusyChanged(true)

	if multiParty {
		id, err := c.selectResponder(ctx, req)
		if err != nil {
			c.abandon(t)
			return c.reject(err)
		}
		c.mu.Lock()
		t.pendingResponderID = id
		c.transitionLocked(t, PhaseSending)
		c.mu.Unlock()
	}

	err := c.regenerateTurn(ctx, t, messageID)
	c.afterTurn(ctx, t, err)
	return err
}

func (c *Controller) regenerateTurn(ctx context.Context, t *turn, messageID string) error {
	var out outbox

	c.mu.Lock()
	msg, i := c.conv.FindByID(messageID)
	if msg == nil {
		c.mu.Unlock()
		c.abandon(t)
		return c.reject(ErrMessageNotFound)
	}

	target, at := msg, i
	if msg.Role == model.RoleHuman {
		t.human = msg
		target, at = c.conv.NextAssistantAfter(i)
		if target == nil {
			at = i + 1
		}
	} else {
		t.human, _ = c.conv.PreviousHumanBefore(i)
	}
	if target != nil {
		c.conv.Remove(target)
		out.removed(c, target, at)
	}

	tctx := c.armLocked(ctx, t)
	c.appendPlaceholderLocked(t, at, &out)

	params := c.session.Generation
	req := backend.RegenerateRequest{
		MessageID:          messageID,
		Temperature:        params.Temperature,
		MaxTokens:          params.MaxTokens,
		SystemPrompt:       params.SystemPrompt,
		Verbosity:          params.Verbosity,
		RespondingEntityID: t.pendingResponderID,
	}
	if !c.conv.IsMultiParty() {
		req.Model = params.Model
	}
	c.mu.Unlock()
	out.flush()

	c.log.Info().
		Str("turn_id", t.id).
		Str("message_id", messageID).
		Str("responder", req.RespondingEntityID).
		Msg("regenerating")

	es, err := c.transport.Regenerate(tctx, req)
	if err != nil {
		return c.openFailed(tctx, t, err)
	}
	return c.run(ctx, tctx, t, es)
}

// =============================================================================
// EDIT
// =============================================================================

// StartEditMessage puts a saved human message into edit state and returns
// its current content. Starting an edit on another message cancels the
// previous one.
func (c *Controller) StartEditMessage(messageID string) (string, error) {
	var out outbox

	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return "", c.reject(ErrBusy)
	}
	if c.conv == nil {
		c.mu.Unlock()
		return "", c.reject(ErrNoConversation)
	}
	msg, _ := c.conv.FindByID(messageID)
	if msg == nil {
		c.mu.Unlock()
		return "", c.reject(ErrMessageNotFound)
	}
	if msg.Role != model.RoleHuman || msg.IsError {
		c.mu.Unlock()
		return "", c.reject(ErrNotEditable)
	}

	if c.edit != nil && c.edit.messageID != messageID {
		if prev, j := c.conv.FindByID(c.edit.messageID); prev != nil {
			out.updated(c, prev, j)
		}
	}
	c.edit = &editState{messageID: messageID, original: msg.Content}
	content := msg.Content
	c.mu.Unlock()
	out.flush()
	return content, nil
}

// CancelEdit leaves edit state and restores the original rendering without
// contacting the backend.
func (c *Controller) CancelEdit() error {
	var out outbox

	c.mu.Lock()
	if c.edit == nil {
		c.mu.Unlock()
		return c.reject(ErrNotEditing)
	}
	if c.conv != nil {
		if msg, i := c.conv.FindByID(c.edit.messageID); msg != nil {
			msg.Content = c.edit.original
			out.updated(c, msg, i)
		}
	}
	c.edit = nil
	c.mu.Unlock()
	out.flush()
	return nil
}

// SaveEdit persists the edited text, drops the assistant reply the backend
// deleted along with the edit, replaces the message content in place and
// regenerates from the edited message.
func (c *Controller) SaveEdit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.edit == nil {
		c.mu.Unlock()
		return c.reject(ErrNotEditing)
	}
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return c.reject(ErrBusy)
	}
	if text == "" {
		c.mu.Unlock()
		return c.reject(ErrEmptyMessage)
	}
	id := c.edit.messageID
	if msg, _ := c.conv.FindByID(id); msg == nil {
		c.edit = nil
		c.mu.Unlock()
		return c.reject(ErrMessageNotFound)
	}
	t := c.beginLocked(KindEdit, PhaseSending)
	tctx := c.armLocked(ctx, t)
	c.mu.Unlock()
	c.sink.OnBusyChanged(true)

	res, err := c.transport.UpdateMessage(tctx, id, text)
	if err != nil {
		// Edit state is kept so the user can retry or cancel.
		c.abandon(t)
		if tctx.Err() != nil {
			c.log.Info().Str("message_id", id).Msg("edit save cancelled")
			return nil
		}
		c.log.Error().Err(err).Str("message_id", id).Msg("failed to save edit")
		c.notifier.Notify(Notice{Level: NoticeError, Text: "Could not save edit"})
		return fmt.Errorf("%w: %w", ErrTurnFailed, err)
	}

	var out outbox
	c.mu.Lock()
	if deleted := res.DeletedAssistantMessageID; deleted != "" {
		if a, i := c.conv.FindByID(deleted); a != nil {
			c.conv.Remove(a)
			out.removed(c, a, i)
		}
	}
	if msg, i := c.conv.FindByID(id); msg != nil {
		msg.Content = text
		if res.Message.Content != "" {
			msg.Content = res.Message.Content
		}
		out.updated(c, msg, i)
	}
	c.edit = nil
	c.mu.Unlock()
	out.flush()
	c.abandon(t)

	c.log.Info().
		Str("message_id", id).
		Str("deleted_assistant_message_id", res.DeletedAssistantMessageID).
		Msg("edit saved")
	return c.regenerate(ctx, id, KindEdit)
}
