// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/model"
)

// ErrTerminated is returned for events that arrive after the turn can no
// longer accept them. Such events have no effect.
var ErrTerminated = errors.New("stream already terminated")

// Outcome is how a turn's stream ended.
type Outcome int

const (
	// OutcomePending means no terminal event has been seen.
	OutcomePending Outcome = iota
	// OutcomeDone means generation completed but storage is unconfirmed.
	OutcomeDone
	// OutcomeStored means the backend persisted the exchange.
	OutcomeStored
	// OutcomeAborted means the turn was cancelled.
	OutcomeAborted
	// OutcomeFailed means the backend reported an error.
	OutcomeFailed
)

// String returns a readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeDone:
		return "done"
	case OutcomeStored:
		return "stored"
	case OutcomeAborted:
		return "aborted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update describes the effect of one applied event.
type Update struct {
	Kind Kind

	// Fragment is the appended text of a token event.
	Fragment string

	// Tool is the invocation touched by a tool event.
	Tool *model.ToolInvocation

	// Dropped is set when the event was accepted but ignored.
	Dropped bool
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder accumulates the events of one turn.
type Decoder struct {
	log zerolog.Logger

	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	content strings.Builder

	tools   []model.ToolInvocation
	toolIdx map[string]int

	started   bool
	outcome   Outcome
	usage     model.Usage
	stored    Event
	errText   string
	finalized bool
}

// NewDecoder creates a decoder for a single turn.
func NewDecoder(log zerolog.Logger) *Decoder {
	return &Decoder{
		log:     log,
		toolIdx: make(map[string]int),
	}
}

// Apply feeds the next event in receipt order.
func (d *Decoder) Apply(ev Event) (Update, error) {
	up := Update{Kind: ev.Kind}

	// memory-update is informational and accepted until the stream closes.
	if ev.Kind == KindMemoryUpdate {
		if d.closed() {
			return up, ErrTerminated
		}
		return up, nil
	}

	switch d.outcome {
	case OutcomeStored, OutcomeAborted, OutcomeFailed:
		return up, ErrTerminated
	case OutcomeDone:
		if ev.Kind != KindStored {
			return up, ErrTerminated
		}
	}

	switch ev.Kind {
	case KindStart:
		d.started = true

	case KindToken:
		if !d.started {
			d.log.Debug().Msg("token received before start")
			d.started = true
		}
		d.content.WriteString(ev.Content)
		up.Fragment = ev.Content

	case KindToolStart:
		d.started = true
		if _, dup := d.toolIdx[ev.ToolID]; dup {
			d.log.Warn().Str("tool_id", ev.ToolID).Msg("duplicate tool-start dropped")
			up.Dropped = true
			return up, nil
		}
		d.toolIdx[ev.ToolID] = len(d.tools)
		d.tools = append(d.tools, model.ToolInvocation{
			ID:    ev.ToolID,
			Name:  ev.ToolName,
			Input: ev.ToolInput,
		})
		tool := d.tools[len(d.tools)-1]
		up.Tool = &tool

	case KindToolResult:
		i, ok := d.toolIdx[ev.ToolID]
		if !ok {
			d.log.Warn().
				Str("tool_id", ev.ToolID).
				Str("tool_name", ev.ToolName).
				Msg("tool-result without matching tool-start dropped")
			up.Dropped = true
			return up, nil
		}
		d.tools[i].Result = ev.ToolContent
		d.tools[i].IsError = ev.ToolIsError
		d.tools[i].Done = true
		tool := d.tools[i]
		up.Tool = &tool

	case KindDone:
		d.usage = ev.Usage
		d.outcome = OutcomeDone

	case KindStored:
		if d.outcome != OutcomeDone {
			d.log.Debug().Msg("stored received without done")
		}
		d.stored = ev
		d.outcome = OutcomeStored

	case KindAborted:
		d.outcome = OutcomeAborted

	case KindError:
		d.errText = ev.Error
		d.outcome = OutcomeFailed
	}

	return up, nil
}

// Abort marks the stream cancelled when no aborted event was delivered.
// It reports false if the stream had already ended.
func (d *Decoder) Abort() bool {
	if d.outcome != OutcomePending {
		return false
	}
	d.outcome = OutcomeAborted
	return true
}

// Finalize returns the accumulated content and usage for the finalized
// message. Only the first call reports ok; later calls return the same
// content with ok false so the caller never finalizes twice.
func (d *Decoder) Finalize() (content string, usage model.Usage, ok bool) {
	content, usage = d.content.String(), d.usage
	if d.finalized {
		return content, usage, false
	}
	d.finalized = true
	return content, usage, true
}

func (d *Decoder) closed() bool {
	switch d.outcome {
	case OutcomeStored, OutcomeAborted, OutcomeFailed:
		return true
	}
	return false
}

// Content returns the accumulated text so far.
func (d *Decoder) Content() string { return d.content.String() }

// Started reports whether start or any content has been seen.
func (d *Decoder) Started() bool { return d.started }

// Outcome reports how the stream ended so far.
func (d *Decoder) Outcome() Outcome { return d.outcome }

// Usage returns the metering attached to done.
func (d *Decoder) Usage() model.Usage { return d.usage }

// StoredEvent returns the stored event, valid when Outcome is OutcomeStored.
func (d *Decoder) StoredEvent() Event { return d.stored }

// ErrorText returns the message of an error event.
func (d *Decoder) ErrorText() string { return d.errText }

// Finalized reports whether Finalize has been called.
func (d *Decoder) Finalized() bool { return d.finalized }

// Tools returns a copy of the tool invocations seen so far.
func (d *Decoder) Tools() []model.ToolInvocation {
	if len(d.tools) == 0 {
		return nil
	}
	return append([]model.ToolInvocation(nil), d.tools...)
}
