// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/stream"
)

// outbox collects sink notifications under the lock and delivers them after
// it is released.
type outbox []func()

func (o *outbox) add(fn func()) {
	*o = append(*o, fn)
}

func (o *outbox) appended(c *Controller, m *model.Message, i int) {
	msg := m.Clone()
	o.add(func() { c.sink.OnMessageAppended(msg, i) })
}

func (o *outbox) removed(c *Controller, m *model.Message, i int) {
	msg := m.Clone()
	o.add(func() { c.sink.OnMessageRemoved(msg, i) })
}

func (o *outbox) updated(c *Controller, m *model.Message, i int) {
	msg := m.Clone()
	o.add(func() { c.sink.OnMessageUpdated(msg, i) })
}

func (o *outbox) flush() {
	for _, fn := range *o {
		fn()
	}
	*o = nil
}

// step is what the run loop does after an event.
type step int

const (
	stepContinue step = iota
	stepStored
	stepAborted
	stepFailed
)

// appendPlaceholderLocked inserts the empty streaming assistant message.
func (c *Controller) appendPlaceholderLocked(t *turn, at int, out *outbox) {
	t.placeholder = model.NewAssistantPlaceholder(t.pendingResponderID)
	c.conv.InsertAt(at, t.placeholder)
	out.appended(c, t.placeholder, c.conv.IndexOf(t.placeholder))
}

// run consumes an opened stream until its terminal event and performs the
// finalize bookkeeping. The caller ends the turn.
func (c *Controller) run(ctx, tctx context.Context, t *turn, es stream.EventStream) error {
	defer es.Close()

	c.mu.Lock()
	c.transitionLocked(t, PhaseStreaming)
	t.decoder = stream.NewDecoder(c.streamLog.With().Str("turn_id", t.id).Logger())
	c.mu.Unlock()

	for {
		ev, err := es.Next(tctx)
		if err != nil {
			cancelled := tctx.Err() != nil
			if errors.Is(err, io.EOF) {
				return c.streamEnded(ctx, t, cancelled, nil)
			}
			// A read error after done loses only the stored event.
			if c.outcome(t) == stream.OutcomeDone {
				return c.streamEnded(ctx, t, cancelled, err)
			}
			if cancelled {
				c.finalize(t, true)
				return nil
			}
			return c.fail(t, err.Error(), err)
		}

		switch c.apply(t, ev) {
		case stepStored:
			c.persistTitle(ctx, t)
			return nil
		case stepAborted:
			c.finalize(t, true)
			return nil
		case stepFailed:
			c.mu.Lock()
			reason := t.decoder.ErrorText()
			c.mu.Unlock()
			if reason == "" {
				reason = "the server reported an error"
			}
			return c.fail(t, reason, errors.New(reason))
		}
	}
}

// outcome reads the decoder's terminal outcome.
func (c *Controller) outcome(t *turn) stream.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.decoder.Outcome()
}

// streamEnded handles a stream that closed without further events. cause is
// the read error that ended it, nil for a clean close.
func (c *Controller) streamEnded(ctx context.Context, t *turn, cancelled bool, cause error) error {
	switch c.outcome(t) {
	case stream.OutcomeDone:
		c.log.Warn().Err(cause).Str("turn_id", t.id).Msg("stream closed after done without stored; message left unpersisted")
		c.persistTitle(ctx, t)
		return nil
	case stream.OutcomeStored, stream.OutcomeAborted:
		return nil
	}

	if cancelled {
		c.mu.Lock()
		t.decoder.Abort()
		c.mu.Unlock()
		c.finalize(t, true)
		return nil
	}
	return c.fail(t, "connection closed before the response completed", io.ErrUnexpectedEOF)
}

// openFailed handles a transport that failed before any event arrived.
func (c *Controller) openFailed(tctx context.Context, t *turn, err error) error {
	if tctx.Err() != nil {
		c.log.Info().Str("turn_id", t.id).Msg("turn cancelled before the stream opened")
		c.finalize(t, true)
		return nil
	}
	return c.fail(t, err.Error(), err)
}

// apply feeds one event to the decoder and mirrors it into the transcript.
func (c *Controller) apply(t *turn, ev stream.Event) step {
	var out outbox
	defer out.flush()

	c.mu.Lock()
	defer c.mu.Unlock()

	up, err := t.decoder.Apply(ev)
	if errors.Is(err, stream.ErrTerminated) {
		c.log.Debug().Str("turn_id", t.id).Str("kind", ev.Kind.String()).Msg("event after terminal ignored")
		return stepContinue
	}

	msg := t.placeholder
	switch ev.Kind {
	case stream.KindMemoryUpdate:
		payload := ev.Payload
		out.add(func() { c.memory.OnMemoryUpdate(payload) })

	case stream.KindToken:
		msg.Content += up.Fragment
		localID, fragment := msg.LocalID, up.Fragment
		out.add(func() { c.sink.OnTokenAppended(localID, fragment) })

	case stream.KindToolStart, stream.KindToolResult:
		if up.Dropped || up.Tool == nil {
			return stepContinue
		}
		tool := *up.Tool
		if i := msg.ToolByID(tool.ID); i >= 0 {
			msg.Tools[i] = tool
		} else {
			msg.Tools = append(msg.Tools, tool)
		}
		localID := msg.LocalID
		out.add(func() { c.sink.OnToolActivity(localID, tool) })

	case stream.KindDone:
		c.finalizeLocked(t, &out)

	case stream.KindStored:
		c.finalizeLocked(t, &out)
		c.storedLocked(t, ev, &out)
		return stepStored

	case stream.KindAborted:
		return stepAborted

	case stream.KindError:
		return stepFailed
	}
	return stepContinue
}

// finalize completes the placeholder with the accumulated content.
func (c *Controller) finalize(t *turn, cancelled bool) {
	var out outbox
	c.mu.Lock()
	if cancelled {
		c.log.Info().Str("turn_id", t.id).Msg("turn cancelled; keeping partial output")
	}
	c.finalizeLocked(t, &out)
	c.mu.Unlock()
	out.flush()
}

// finalizeLocked moves the turn to Finalizing and completes the placeholder
// exactly once.
func (c *Controller) finalizeLocked(t *turn, out *outbox) {
	if t.phase != PhaseFinalizing {
		c.transitionLocked(t, PhaseFinalizing)
	}
	if t.placeholder == nil {
		return
	}

	content, usage := "", model.Usage{}
	if t.decoder != nil {
		var ok bool
		content, usage, ok = t.decoder.Finalize()
		if !ok {
			return
		}
	}
	if !t.placeholder.FinalizeStream(content, usage, time.Now()) {
		return
	}
	t.placeholder.Tools = nil
	if t.decoder != nil {
		t.placeholder.Tools = t.decoder.Tools()
	}

	msg := t.placeholder.Clone()
	out.add(func() { c.sink.OnTurnFinalized(msg) })
}

// storedLocked assigns the persisted ids carried by a stored event.
func (c *Controller) storedLocked(t *turn, ev stream.Event, out *outbox) {
	var persisted []model.Message

	if t.human != nil && ev.HumanMessageID != "" {
		if err := t.human.SetPersistedID(ev.HumanMessageID); err != nil {
			c.log.Warn().Err(err).Str("message_id", ev.HumanMessageID).Msg("human message id not applied")
		} else {
			persisted = append(persisted, t.human.Clone())
		}
	}
	if t.placeholder != nil && ev.AssistantMessageID != "" {
		if t.placeholder.SpeakerEntityID == "" {
			t.placeholder.SpeakerEntityID = ev.SpeakerEntityID
		}
		if err := t.placeholder.SetPersistedID(ev.AssistantMessageID); err != nil {
			c.log.Warn().Err(err).Str("message_id", ev.AssistantMessageID).Msg("assistant message id not applied")
		} else {
			persisted = append(persisted, t.placeholder.Clone())
		}
	}

	c.log.Info().
		Str("turn_id", t.id).
		Str("human_message_id", ev.HumanMessageID).
		Str("assistant_message_id", ev.AssistantMessageID).
		Msg("turn stored")
	if len(persisted) > 0 {
		out.add(func() { c.sink.OnMessagesPersisted(persisted) })
	}
}

// fail replaces the placeholder with an error message.
func (c *Controller) fail(t *turn, reason string, cause error) error {
	var out outbox
	c.mu.Lock()
	if t.phase != PhaseFinalizing {
		c.transitionLocked(t, PhaseFinalizing)
	}
	at := c.conv.Len()
	if t.placeholder != nil {
		if i := c.conv.Remove(t.placeholder); i >= 0 {
			out.removed(c, t.placeholder, i)
			at = i
		}
	}
	errMsg := model.NewErrorMessage(reason)
	c.conv.InsertAt(at, errMsg)
	out.appended(c, errMsg, c.conv.IndexOf(errMsg))
	c.mu.Unlock()
	out.flush()

	c.log.Error().Err(cause).Str("turn_id", t.id).Str("kind", string(t.kind)).Msg("turn failed")
	c.notifier.Notify(Notice{Level: NoticeError, Text: "Response failed: " + reason})
	return fmt.Errorf("%w: %w", ErrTurnFailed, cause)
}

// persistTitle derives and saves the conversation title once.
func (c *Controller) persistTitle(ctx context.Context, t *turn) {
	c.mu.Lock()
	conv := c.conv
	if conv == nil || c.titled[conv.ID] || !conv.NeedsTitle() {
		c.mu.Unlock()
		return
	}
	first := conv.FirstHuman()
	if first == nil {
		c.mu.Unlock()
		return
	}
	title := model.DeriveTitle(first.Content)
	id := conv.ID
	c.mu.Unlock()
	if title == "" {
		return
	}

	if err := c.conversations.UpdateTitle(ctx, id, title); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to persist title")
		return
	}

	c.mu.Lock()
	c.titled[id] = true
	if c.conv != nil && c.conv.ID == id {
		c.conv.Title = title
	}
	c.mu.Unlock()
	c.log.Debug().Str("turn_id", t.id).Str("conversation_id", id).Str("title", title).Msg("title saved")
}
