// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/parley/internal/model"
)

// ErrUnknownKind is returned by Decode for an unrecognised event type.
var ErrUnknownKind = errors.New("unknown stream event type")

// =============================================================================
// EVENT KINDS
// =============================================================================

// Kind identifies a stream event.
type Kind string

const (
	KindMemoryUpdate Kind = "memory-update"
	KindStart        Kind = "start"
	KindToken        Kind = "token"
	KindToolStart    Kind = "tool-start"
	KindToolResult   Kind = "tool-result"
	KindDone         Kind = "done"
	KindStored       Kind = "stored"
	KindAborted      Kind = "aborted"
	KindError        Kind = "error"
)

var knownKinds = map[Kind]bool{
	KindMemoryUpdate: true,
	KindStart:        true,
	KindToken:        true,
	KindToolStart:    true,
	KindToolResult:   true,
	KindDone:         true,
	KindStored:       true,
	KindAborted:      true,
	KindError:        true,
}

// ParseKind normalizes a wire type name. Underscores and hyphens are
// interchangeable and case is ignored.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	return k, knownKinds[k]
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// =============================================================================
// EVENT TYPE
// =============================================================================

// Event is one decoded stream event. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// token
	Content string

	// tool-start / tool-result
	ToolID      string
	ToolName    string
	ToolInput   json.RawMessage
	ToolContent string
	ToolIsError bool

	// done
	Usage model.Usage

	// stored
	HumanMessageID     string
	AssistantMessageID string
	SpeakerEntityID    string

	// error
	Error string

	// memory-update carries its whole payload.
	Payload json.RawMessage
}

// Token builds a token event.
func Token(content string) Event { return Event{Kind: KindToken, Content: content} }

// Start builds a start event.
func Start() Event { return Event{Kind: KindStart} }

// Done builds a done event with usage.
func Done(usage model.Usage) Event { return Event{Kind: KindDone, Usage: usage} }

// Stored builds a stored event.
func Stored(humanID, assistantID, speakerID string) Event {
	return Event{Kind: KindStored, HumanMessageID: humanID, AssistantMessageID: assistantID, SpeakerEntityID: speakerID}
}

// Aborted builds an aborted event.
func Aborted() Event { return Event{Kind: KindAborted} }

// Failure builds an error event.
func Failure(msg string) Event { return Event{Kind: KindError, Error: msg} }

// ToolStart builds a tool-start event.
func ToolStart(id, name string, input json.RawMessage) Event {
	return Event{Kind: KindToolStart, ToolID: id, ToolName: name, ToolInput: input}
}

// ToolResult builds a tool-result event.
func ToolResult(id, name, content string, isError bool) Event {
	return Event{Kind: KindToolResult, ToolID: id, ToolName: name, ToolContent: content, ToolIsError: isError}
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

type wireEvent struct {
	Type               string          `json:"type,omitempty"`
	Content            json.RawMessage `json:"content,omitempty"`
	ToolID             string          `json:"tool_id,omitempty"`
	ToolName           string          `json:"tool_name,omitempty"`
	Input              json.RawMessage `json:"input,omitempty"`
	IsError            bool            `json:"is_error,omitempty"`
	Usage              *model.Usage    `json:"usage,omitempty"`
	HumanMessageID     string          `json:"human_message_id,omitempty"`
	AssistantMessageID string          `json:"assistant_message_id,omitempty"`
	SpeakerEntityID    string          `json:"speaker_entity_id,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// Decode parses one SSE frame. The JSON "type" field names the event; the
// SSE event field is used when the payload has none.
func Decode(eventField string, data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("failed to parse stream event: %w", err)
	}

	name := w.Type
	if name == "" {
		name = eventField
	}
	kind, ok := ParseKind(name)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}

	ev := Event{Kind: kind}
	switch kind {
	case KindToken:
		ev.Content = rawText(w.Content)
	case KindToolStart:
		ev.ToolID, ev.ToolName, ev.ToolInput = w.ToolID, w.ToolName, w.Input
	case KindToolResult:
		ev.ToolID, ev.ToolName = w.ToolID, w.ToolName
		ev.ToolContent = rawText(w.Content)
		ev.ToolIsError = w.IsError
	case KindDone:
		if w.Usage != nil {
			ev.Usage = *w.Usage
		}
	case KindStored:
		ev.HumanMessageID = w.HumanMessageID
		ev.AssistantMessageID = w.AssistantMessageID
		ev.SpeakerEntityID = w.SpeakerEntityID
	case KindError:
		ev.Error = w.Error
	case KindMemoryUpdate:
		ev.Payload = append(json.RawMessage(nil), data...)
	}
	return ev, nil
}

// Encode renders ev as the JSON payload of an SSE data field.
func Encode(ev Event) ([]byte, error) {
	if ev.Kind == KindMemoryUpdate && len(ev.Payload) > 0 {
		return ev.Payload, nil
	}

	w := wireEvent{Type: string(ev.Kind)}
	switch ev.Kind {
	case KindToken:
		w.Content = jsonString(ev.Content)
	case KindToolStart:
		w.ToolID, w.ToolName, w.Input = ev.ToolID, ev.ToolName, ev.ToolInput
	case KindToolResult:
		w.ToolID, w.ToolName = ev.ToolID, ev.ToolName
		w.Content = jsonString(ev.ToolContent)
		w.IsError = ev.ToolIsError
	case KindDone:
		usage := ev.Usage
		w.Usage = &usage
	case KindStored:
		w.HumanMessageID = ev.HumanMessageID
		w.AssistantMessageID = ev.AssistantMessageID
		w.SpeakerEntityID = ev.SpeakerEntityID
	case KindError:
		w.Error = ev.Error
	}
	return json.Marshal(w)
}

// rawText returns a JSON string's value, or the raw JSON for other values.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
