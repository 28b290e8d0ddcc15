// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"encoding/json"

	"github.com/jeranaias/parley/internal/backend"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/stream"
)

// =============================================================================
// NETWORK PORTS
// =============================================================================

// Transport issues turn requests. *backend.Client implements it.
type Transport interface {
	SendMessage(ctx context.Context, req backend.SendRequest) (stream.EventStream, error)
	Regenerate(ctx context.Context, req backend.RegenerateRequest) (stream.EventStream, error)
	UpdateMessage(ctx context.Context, messageID, content string) (backend.EditResult, error)
}

// ConversationProvider creates and loads conversations. *backend.Client
// implements it.
type ConversationProvider interface {
	CreateConversation(ctx context.Context, entityIDs []string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateTitle(ctx context.Context, id, title string) error
}

// =============================================================================
// LOCAL COLLABORATORS
// =============================================================================

// AttachmentProvider holds the attachments staged for the next message.
type AttachmentProvider interface {
	// Pending returns the number of staged attachments.
	Pending() int
	// SnapshotAndClear returns the staged attachments and unstages them.
	SnapshotAndClear() model.Attachments
}

// MemorySink receives memory-update events. It never affects the turn.
type MemorySink interface {
	OnMemoryUpdate(payload json.RawMessage)
}

// RenderSink reflects transcript and turn changes on a display.
//
// The controller calls it from the goroutine running the operation, never
// while holding its lock, and always with value copies; implementations may
// call back into the controller. Indexes are transcript positions at the time
// of the change.
type RenderSink interface {
	// OnConversationLoaded replaces the whole displayed transcript.
	OnConversationLoaded(meta model.ConversationMeta, messages []model.Message)
	OnMessageAppended(msg model.Message, index int)
	OnMessageRemoved(msg model.Message, index int)
	OnMessageUpdated(msg model.Message, index int)
	// OnTokenAppended delivers one fragment of the streaming message.
	OnTokenAppended(localID, fragment string)
	OnToolActivity(localID string, tool model.ToolInvocation)
	// OnTurnFinalized delivers the completed (or cancelled) assistant message
	// for final rendering. It is called at most once per message.
	OnTurnFinalized(msg model.Message)
	// OnMessagesPersisted delivers messages that just received their
	// persisted ids and so gained their action affordances.
	OnMessagesPersisted(msgs []model.Message)
	OnBusyChanged(busy bool)
}

// NoticeLevel is the severity of a transient notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

// Notice is a short-lived toast shown to the user.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// Notifier shows transient notices.
type Notifier interface {
	Notify(n Notice)
}

// =============================================================================
// RESPONDER SELECTION
// =============================================================================

// SelectionMode says why a responder is being chosen.
type SelectionMode string

const (
	// ModeRespond picks who answers the human message just sent.
	ModeRespond SelectionMode = "respond"
	// ModeContinuation picks who speaks next without new human input.
	ModeContinuation SelectionMode = "continuation"
	// ModeRegenerate picks who re-answers an earlier turn.
	ModeRegenerate SelectionMode = "regenerate"
)

// SelectionRequest describes one responder selection.
type SelectionRequest struct {
	Mode           SelectionMode
	ConversationID string
	Entities       []model.Entity
	// MessageID is the message being regenerated (ModeRegenerate only).
	MessageID string
	// Automatic is set when the controller offers a continuation on its own
	// after a stored multi-party turn.
	Automatic bool
}

// ResponderSelector resolves to exactly one entity id of the request, or to
// ErrSelectionCancelled.
type ResponderSelector interface {
	SelectResponder(ctx context.Context, req SelectionRequest) (string, error)
}

// =============================================================================
// NO-OP IMPLEMENTATIONS
// =============================================================================

type nopSink struct{}

func (nopSink) OnConversationLoaded(model.ConversationMeta, []model.Message) {}
func (nopSink) OnMessageAppended(model.Message, int)                         {}
func (nopSink) OnMessageRemoved(model.Message, int)                          {}
func (nopSink) OnMessageUpdated(model.Message, int)                          {}
func (nopSink) OnTokenAppended(string, string)                               {}
func (nopSink) OnToolActivity(string, model.ToolInvocation)                  {}
func (nopSink) OnTurnFinalized(model.Message)                                {}
func (nopSink) OnMessagesPersisted([]model.Message)                          {}
func (nopSink) OnBusyChanged(bool)                                           {}

type nopMemory struct{}

func (nopMemory) OnMemoryUpdate(json.RawMessage) {}

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

type noAttachments struct{}

func (noAttachments) Pending() int                        { return 0 }
func (noAttachments) SnapshotAndClear() model.Attachments { return model.Attachments{} }
